package reflow

// invalidator holds the scope's pending invalidation queue and the
// chain-membership set of the active pass. Scheduling an already-pending
// executor is a no-op; seeing the same executor twice within one pass is
// an infinite loop.
type invalidator struct {
	pending    []AnyExecutor
	pendingSet map[AnyExecutor]struct{}
	chainSet   map[AnyExecutor]struct{}
	chainOrder []AnyExecutor
	processing bool
}

// Invalidate marks an executor stale and drives the full cascade: the
// executor and every transitively affected reactive dependent settle, in
// dependency order, before this call returns. Called while a pass is
// already running (from inside a factory), it only queues and returns;
// the active pass picks the work up.
func (s *Scope) Invalidate(exec AnyExecutor) error {
	return s.scheduleInvalidation(exec)
}

func (s *Scope) scheduleInvalidation(exec AnyExecutor) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &ClosedError{What: "scope"}
	}
	e := s.entryOf(exec)
	if e.state == stateResolving {
		// Mid-run invalidation is deferred: re-entering the executor while
		// its factory runs would corrupt in-flight state.
		e.deferredInvalidate = true
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.inv.pendingSet[exec]; ok {
		s.mu.Unlock()
		return nil
	}
	if s.inv.pendingSet == nil {
		s.inv.pendingSet = make(map[AnyExecutor]struct{})
	}
	s.inv.pending = append(s.inv.pending, exec)
	s.inv.pendingSet[exec] = struct{}{}
	if s.inv.processing {
		s.mu.Unlock()
		return nil
	}
	s.inv.processing = true
	s.inv.chainSet = make(map[AnyExecutor]struct{})
	s.inv.chainOrder = nil
	s.mu.Unlock()
	return s.runInvalidationPass()
}

// runInvalidationPass drains the pending queue one executor at a time.
// Each node fully settles (cleanups, factory re-run or value push,
// observer notification) before the next is pulled; dependents fold into
// the same queue rather than fanning out.
func (s *Scope) runInvalidationPass() error {
	for {
		s.mu.Lock()
		if len(s.inv.pending) == 0 {
			s.inv.processing = false
			s.inv.chainSet = nil
			s.inv.chainOrder = nil
			s.mu.Unlock()
			return nil
		}
		exec := s.inv.pending[0]
		s.inv.pending = s.inv.pending[1:]
		delete(s.inv.pendingSet, exec)

		if _, looped := s.inv.chainSet[exec]; looped {
			path := make([]string, 0, len(s.inv.chainOrder)+1)
			for _, c := range s.inv.chainOrder {
				path = append(path, c.Name())
			}
			path = append(path, exec.Name())
			// The pass aborts; unrelated executors keep their state.
			s.inv.pending = nil
			s.inv.pendingSet = nil
			s.inv.chainSet = nil
			s.inv.chainOrder = nil
			s.inv.processing = false
			s.mu.Unlock()
			err := &LoopError{Executor: exec.Name(), Path: path}
			s.logger.Error().Str("executor", exec.Name()).Strs("path", path).Msg("invalidation loop detected")
			return err
		}
		s.inv.chainSet[exec] = struct{}{}
		s.inv.chainOrder = append(s.inv.chainOrder, exec)

		e, ok := s.entries[exec]
		if !ok {
			s.mu.Unlock()
			continue
		}

		push := e.pendingPush
		e.pendingPush = nil

		if push == nil && e.state == stateRejected {
			// Invalidation clears the poisoned entry; the next resolve
			// re-runs the factory on demand.
			cleanups := e.cleanups
			e.cleanups = nil
			e.state = stateIdle
			e.err = nil
			s.mu.Unlock()
			s.runCleanups(exec, cleanups, "invalidate")
			continue
		}
		if push == nil && e.state != stateResolved {
			s.mu.Unlock()
			continue
		}

		cleanups := e.cleanups
		e.cleanups = nil

		if push != nil {
			e.value = push.value
			e.err = nil
			e.state = stateResolved
			updates := snapshotListeners(e.updateListeners)
			s.enqueueResolvedDependents(exec)
			s.mu.Unlock()
			s.runCleanups(exec, cleanups, "invalidate")
			for _, fn := range updates {
				fn(push.value)
			}
			continue
		}

		// Factory re-run: resolving -> {resolved | rejected}.
		e.state = stateResolving
		e.done = make(chan struct{})
		e.value = nil
		s.mu.Unlock()

		s.runCleanups(exec, cleanups, "invalidate")

		_, err := s.doResolve(exec, e, newSession())
		if err != nil {
			// Poisoned entry; dependents keep their last resolved value.
			continue
		}

		s.mu.Lock()
		s.enqueueResolvedDependents(exec)
		s.mu.Unlock()
	}
}

// enqueueResolvedDependents schedules the reactive dependents of a node
// that are currently resolved. Callers hold s.mu. Deduplication keeps a
// diamond-shaped graph settling each node once per pass.
func (s *Scope) enqueueResolvedDependents(exec AnyExecutor) {
	for _, dep := range s.downstream[exec] {
		de, ok := s.entries[dep]
		if !ok || de.state != stateResolved {
			continue
		}
		if _, pending := s.inv.pendingSet[dep]; pending {
			continue
		}
		if s.inv.pendingSet == nil {
			s.inv.pendingSet = make(map[AnyExecutor]struct{})
		}
		s.inv.pending = append(s.inv.pending, dep)
		s.inv.pendingSet[dep] = struct{}{}
	}
}
