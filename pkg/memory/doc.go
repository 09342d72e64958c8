// Package memory keeps past chat messages searchable by semantic similarity.
//
// Invariants:
// - The watermark never skips an unindexed message; a failed embedding stops the batch.
// - A checkpoint holds the index and its watermark together, replaced atomically.
// - Search syncs first and degrades to an empty result instead of failing.
//
// Usage:
//
//	store, _ := memory.NewCheckpointStore(memory.CheckpointConfig{Path: "/data/index.ckpt"})
//	mgr, _ := memory.NewIndexManager(memory.ManagerConfig{Log: chatLog, Provider: provider, Checkpoints: store})
//	_ = mgr.Initialize(ctx, false)
//	sched, _ := memory.ParseSchedule("", time.Minute)
//	_ = mgr.StartBackgroundRefresh(sched)
//	defer mgr.Shutdown(context.Background())
//	results, _ := mgr.Search(ctx, "database skills", 3)
//	_ = results
package memory
