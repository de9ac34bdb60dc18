// Package session manages conversation sessions: lifecycle, logical expiry
// and per-identity serialization.
//
// Invariants:
// - One identity maps to exactly one live session record.
// - last_active_at never decreases, even under clock skew.
// - Expiry is logical; records are never deleted by the core.
// - The per-identity lock is the sole serialization primitive for a turn.
//
// Usage:
//
//	mgr, _ := session.New(session.Config{Store: session.NewMemoryStore()})
//	guard, _ := mgr.AcquireLock(ctx, id)
//	defer guard.Release()
//	rec, expiredPrevious, _ := mgr.GetOrCreate(ctx, id, "main")
//	_, _ = rec, expiredPrevious
package session
