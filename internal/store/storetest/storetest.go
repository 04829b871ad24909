// Package storetest provisions an isolated, migrated Postgres schema per test.
// It uses TEST_DATABASE_URL when set and otherwise starts one shared Postgres
// testcontainer for the test binary. Tests are skipped only when neither is
// available.
package storetest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"meeting-jobcore/internal/store"
)

// EnvVar names the connection string used by integration tests.
const EnvVar = "TEST_DATABASE_URL"

const postgresImage = "postgres:17-alpine"

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// containerPostgres starts Postgres once per test binary. The container is
// reaped by the testcontainers sidecar when the binary exits.
func containerPostgres() (string, error) {
	containerOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("start postgres container: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        postgresImage,
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_DB":       "jobcore_test",
					"POSTGRES_USER":     "jobcore",
					"POSTGRES_PASSWORD": "jobcore",
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(90 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		host, err := container.Host(ctx)
		if err != nil {
			containerErr = fmt.Errorf("postgres container host: %w", err)
			return
		}
		port, err := container.MappedPort(ctx, "5432/tcp")
		if err != nil {
			containerErr = fmt.Errorf("postgres container port: %w", err)
			return
		}
		containerDSN = fmt.Sprintf("postgres://jobcore:jobcore@%s:%s/jobcore_test?sslmode=disable", host, port.Port())
	})
	return containerDSN, containerErr
}

// DSN returns the integration database, skipping t when there is none.
func DSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv(EnvVar); dsn != "" {
		return dsn
	}
	dsn, err := containerPostgres()
	if err != nil {
		t.Skipf("%s not set and no container runtime: %v", EnvVar, err)
	}
	return dsn
}

// New returns a pool whose search_path points at a fresh schema with all
// migrations applied. The schema is dropped when the test finishes.
func New(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := DSN(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	require.NoError(t, admin.Close(ctx))

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	cfg.MaxConns = 16

	st, err := store.Open(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, st.RunMigrations(ctx))

	t.Cleanup(func() {
		st.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := pgx.Connect(cleanupCtx, dsn)
		if err != nil {
			t.Logf("drop schema %s: %v", schema, err)
			return
		}
		defer conn.Close(cleanupCtx)
		if _, err := conn.Exec(cleanupCtx, fmt.Sprintf("DROP SCHEMA %s CASCADE", schema)); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
	})
	return st.Pool()
}
