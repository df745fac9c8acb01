package scheduler

import (
	"testing"
	"time"
)

func TestScheduler_FIFOPriorityOrdering(t *testing.T) {
	// Register project P (weight 1, base 50, quota cpu=2). Enqueue three
	// tasks: T1 priority=50, T2 priority=70, T3 priority=50. Expected next()
	// sequence: T2, T1, T3.
	s := New(WithAging(AgingConfig{}))
	s.RegisterProject(Project{ID: "P", Weight: 1, BasePriority: 50, Quota: ResourceQuota{CPU: 2, Memory: 2}})

	base := time.Now()
	tasks := []Task{
		{TaskID: "T1", ProjectID: "P", Priority: 50, EnqueuedAt: base},
		{TaskID: "T2", ProjectID: "P", Priority: 70, EnqueuedAt: base.Add(time.Millisecond)},
		{TaskID: "T3", ProjectID: "P", Priority: 50, EnqueuedAt: base.Add(2 * time.Millisecond)},
	}
	for _, tk := range tasks {
		if _, err := s.Enqueue(tk); err != nil {
			t.Fatalf("enqueue %s: %v", tk.TaskID, err)
		}
	}

	var order []string
	for i := 0; i < 3; i++ {
		task, ok := s.Next()
		if !ok {
			t.Fatalf("expected a task at position %d", i)
		}
		order = append(order, task.TaskID)
		s.Complete(task.TaskID, "ok")
	}

	want := []string{"T2", "T1", "T3"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestScheduler_AgingOverridesPriority(t *testing.T) {
	// Enqueue T_low priority=10 at t=0; at t=30s enqueue T_high priority=60.
	// aging_interval=10s, aging_increment=20, aging_cap=60. At t=30s T_low
	// has effective 70 and is selected before T_high.
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	s := New(
		WithAging(AgingConfig{Interval: 10 * time.Second, Increment: 20, Cap: 60}),
		withClock(func() time.Time { return clock }),
	)
	s.RegisterProject(Project{ID: "P", Weight: 1, BasePriority: 0})

	if _, err := s.Enqueue(Task{TaskID: "T_low", ProjectID: "P", Priority: 10}); err != nil {
		t.Fatalf("enqueue T_low: %v", err)
	}

	clock = start.Add(30 * time.Second)
	if _, err := s.Enqueue(Task{TaskID: "T_high", ProjectID: "P", Priority: 60}); err != nil {
		t.Fatalf("enqueue T_high: %v", err)
	}

	task, ok := s.Next()
	if !ok {
		t.Fatal("expected an eligible task")
	}
	if task.TaskID != "T_low" {
		t.Fatalf("expected T_low to be selected first, got %s", task.TaskID)
	}
	if task.EffectivePriority != 70 {
		t.Fatalf("expected effective priority 70, got %d", task.EffectivePriority)
	}
}

func TestScheduler_EnqueueUnknownProjectFails(t *testing.T) {
	s := New()
	_, err := s.Enqueue(Task{TaskID: "T1", ProjectID: "ghost", Priority: 10})
	if err != ErrUnknownProject {
		t.Fatalf("expected ErrUnknownProject, got %v", err)
	}
}

func TestScheduler_CompleteAndFailAreIdempotentOnUnknownTask(t *testing.T) {
	s := New()
	s.Complete("nope", "result")
	s.Fail("nope", "boom")
}

func TestScheduler_TaskSingleState(t *testing.T) {
	s := New()
	s.RegisterProject(Project{ID: "P", Weight: 1, Quota: ResourceQuota{CPU: 5, Memory: 5}})
	if _, err := s.Enqueue(Task{TaskID: "T1", ProjectID: "P", Priority: 10}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Queued) != 1 || len(snap.Running) != 0 {
		t.Fatalf("expected task only in queued, got %+v", snap)
	}

	task, ok := s.Next()
	if !ok {
		t.Fatal("expected a task")
	}
	snap = s.Snapshot()
	if len(snap.Queued) != 0 || len(snap.Running) != 1 {
		t.Fatalf("expected task only in running, got %+v", snap)
	}

	s.Complete(task.TaskID, "done")
	snap = s.Snapshot()
	if len(snap.Queued) != 0 || len(snap.Running) != 0 {
		t.Fatalf("expected task removed from queued/running after completion, got %+v", snap)
	}
}

func TestScheduler_ResourceQuotaGatesAdmission(t *testing.T) {
	s := New(WithAging(AgingConfig{}))
	s.RegisterProject(Project{ID: "P", Weight: 1, Quota: ResourceQuota{CPU: 1, Memory: 1}})

	if _, err := s.Enqueue(Task{TaskID: "T1", ProjectID: "P", Priority: 10}); err != nil {
		t.Fatalf("enqueue T1: %v", err)
	}
	if _, err := s.Enqueue(Task{TaskID: "T2", ProjectID: "P", Priority: 20}); err != nil {
		t.Fatalf("enqueue T2: %v", err)
	}

	first, ok := s.Next()
	if !ok {
		t.Fatal("expected T1 or T2 to be eligible")
	}
	_ = first

	_, ok = s.Next()
	if ok {
		t.Fatal("expected second task blocked by quota while first is running")
	}
}

func TestScheduler_FairShareFavorsUnderservedProject(t *testing.T) {
	s := New(WithAging(AgingConfig{}), WithMaxBurst(100))
	s.RegisterProject(Project{ID: "A", Weight: 10, Quota: ResourceQuota{CPU: 100, Memory: 100}})
	s.RegisterProject(Project{ID: "B", Weight: 1, Quota: ResourceQuota{CPU: 100, Memory: 100}})

	base := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(Task{TaskID: "A" + string(rune('1'+i)), ProjectID: "A", Priority: 50, EnqueuedAt: base}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := s.Enqueue(Task{TaskID: "B" + string(rune('1'+i)), ProjectID: "B", Priority: 50, EnqueuedAt: base}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var fromA int
	for i := 0; i < 6; i++ {
		task, ok := s.Next()
		if !ok {
			break
		}
		if task.ProjectID == "A" {
			fromA++
		}
		s.Complete(task.TaskID, "done")
	}
	if fromA < 3 {
		t.Fatalf("expected the higher-weight project to win more picks, got %d/6", fromA)
	}
}

func TestScheduler_EnqueueAssignsTaskIDWhenBlank(t *testing.T) {
	s := New()
	s.RegisterProject(Project{ID: "P", Weight: 1, Quota: ResourceQuota{CPU: 5, Memory: 5}})

	id, err := s.Enqueue(Task{ProjectID: "P", Priority: 10})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated TaskID")
	}

	task, ok := s.Next()
	if !ok {
		t.Fatal("expected a task")
	}
	if task.TaskID != id {
		t.Fatalf("expected task ID %q, got %q", id, task.TaskID)
	}
}

func TestScheduler_HealthBuckets(t *testing.T) {
	s := New()
	s.RegisterProject(Project{ID: "P", Weight: 1})
	health := s.Health()
	if len(health) != 1 || health[0].Bucket != HealthHealthy {
		t.Fatalf("expected a fresh project to be healthy, got %+v", health)
	}
}
