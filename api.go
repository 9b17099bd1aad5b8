// Package ctxz provides per-request execution-context tracking.
//
// ctxz bundles a request identifier, structured log fields, and named
// timing spans into a Context, stores Contexts in a hierarchical
// reference-counted registry, and renders a consolidated one-line report.
// It's designed for request paths that need cheap in-process timing and
// field aggregation without a full tracing pipeline.
//
// Core Components:.
//   - Manager: Resolves the active context for a call chain.
//   - Context: Identifier plus log fields plus timing spans.
//   - SpanSet: Merges repeated same-named timings into one interval.
//   - Timer: A single named timing observation, emitted exactly once.
//   - Store: Generic keyed registry with derived keys and cascading removal.
//
// Basic Usage:.
//
//	manager := ctxz.New()
//
//	// Open a context for a request.
//	ctx, reqCtx := manager.Enter(ctx, "request-42")
//
//	// Release the request's store key (and derived keys) when done.
//	handle, _ := manager.Handle(ctx)
//	defer handle.Release()
//
//	// Attach metadata and timings.
//	reqCtx.AddField("request_type", "standard")
//	timer := reqCtx.NewRecorder("db_lookup")
//	timer.Start()
//	// ... work ...
//	timer.End()
//
//	// Anywhere down the call chain.
//	manager.Current(ctx).AddField("cache", "hit")
//
//	fmt.Println(reqCtx.Report())
//
// Shared Contexts:.
//
// Entering an identifier that is already registered derives a new store
// key aliasing the same Context. Both participants see each other's
// fields and spans, but each releases its own key independently.
// Releasing the last handle on a key removes that key and every key
// derived from it.
//
// Thread Safety:.
//
// Manager, Context, SpanSet, Timer, and Store are all safe for
// concurrent use by multiple goroutines. Span merging is commutative
// (min start, max end), so emission order never changes a report.
//
// Failure Behavior:.
//
// Nothing here fails a request path. Misuse (resolving a context that
// was never entered, deriving from a missing base key) logs, increments
// a counter, and degrades to a safe default. Callers that want strict
// behavior can use Lookup and the error returned by Store.Add.
package ctxz

// Key represents a store key or active-context identifier.
type Key = string

// Field represents a log field key.
type Field = string
