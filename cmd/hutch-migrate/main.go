package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/tenantdb"
)

var (
	databaseURL   = flag.String("database-url", os.Getenv("HUTCH_DATABASE_URL"), "Control-plane database URL")
	controlSchema = flag.String("control-schema", "master_bot", "Control-plane schema name")
	tenantSchema  = flag.String("tenant-schema", "", "Also materialize this tenant schema (for repair)")
	dryRun        = flag.Bool("dry-run", false, "Print the DDL without executing it")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("Hutch Database Migration Tool")
	log.Println("=============================")

	if *dryRun {
		for _, stmt := range storage.ControlPlaneDDL(*controlSchema) {
			fmt.Println(stmt + ";")
		}
		if *tenantSchema != "" {
			for _, stmt := range tenantdb.TenantDDL(*tenantSchema) {
				fmt.Println(stmt + ";")
			}
		}
		log.Println("Dry run completed. No changes made.")
		return
	}

	if *databaseURL == "" {
		log.Fatal("--database-url or HUTCH_DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	log.Printf("Migrating control-plane schema %q", *controlSchema)
	if err := storage.Migrate(ctx, pool, *controlSchema); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("✓ Control-plane schema up to date")

	if *tenantSchema != "" {
		log.Printf("Materializing tenant schema %q", *tenantSchema)
		mat := tenantdb.New(pool, time.Minute)
		if err := mat.Create(ctx, *tenantSchema); err != nil {
			log.Fatalf("Tenant schema failed: %v", err)
		}
		log.Println("✓ Tenant schema up to date")
	}

	log.Println("✓ Migration completed successfully")
}
