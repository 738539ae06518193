package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cloudops-central/reconciler/pkg/engine"
	"github.com/cloudops-central/reconciler/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleMemoryStore_CommitPass demonstrates how a pass resolves findings
// that it no longer reproduces.
func ExampleMemoryStore_CommitPass() {
	store := stores.NewMemoryStore()
	ctx := context.Background()

	scope := engine.Scope{Provider: "aws", Account: "123456789012", Region: "us-east-1"}
	bucket := engine.ResourceIdentity{
		Provider: "aws", Account: "123456789012", Region: "us-east-1",
		ResourceType: "s3.bucket", NativeID: "logs",
	}
	violation := engine.PolicyViolation{RuleID: "no-public-s3", Identity: bucket, Severity: engine.SeverityCritical}

	res, _ := store.CommitPass(ctx, &stores.PassCommit{
		Scope:      scope,
		Violations: []engine.PolicyViolation{violation},
		At:         time.Now(),
	})
	fmt.Println("raised:", len(res.RaisedViolations))

	res, _ = store.CommitPass(ctx, &stores.PassCommit{Scope: scope, At: time.Now()})
	fmt.Println("resolved:", len(res.ResolvedViolations))
	// Output:
	// raised: 1
	// resolved: 1
}
