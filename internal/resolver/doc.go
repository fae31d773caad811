// Package resolver coalesces fine-grained "fetch row(s) by key" calls into as
// few executor round trips as possible.
//
// Every Execute call made for the same resolver while a batch window is open
// joins that window. The window fires when MaxWait elapses after its first
// request, when it holds MaxSize requests, or on Flush. Firing encodes all
// keys, calls Run once, and hands each caller its own outcome:
//
//	users := resolver.NewID("users.byId", resolver.IDConfig[string, User]{
//		ID:       codec.String(),
//		Result:   codec.JSON[User](),
//		ResultID: func(u User) string { return u.ID },
//		Run:      client.InRun("users", "id", "*"),
//	})
//	u, found, err := users.Execute(ctx, "42")
//
// Four variants exist: Resolver (positional rows), ResolverID (rows matched by
// id, missing rows are "not found"), ResolverVoid (acknowledgment count only)
// and ResolverSingle (no batching). Failures are reported as the closed Error
// sum type.
package resolver
