// Package dbtest starts a throwaway PostgreSQL container for store tests
package dbtest

import (
	"fmt"
	"os"
	"testing"

	"github.com/miragespace/coursesub/db"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func getEnv(key, fallback string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		value = fallback
	}
	return value
}

// StartupPostgreSQL runs postgres:14 and returns a connected *gorm.DB.
// The test is skipped when no docker daemon is reachable.
func StartupPostgreSQL(t *testing.T) *gorm.DB {
	t.Helper()

	require := require.New(t)

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	resource, err := pool.Run("postgres", "14", []string{"POSTGRES_PASSWORD=postgres"})
	require.NoError(err, "start postgres")

	t.Cleanup(func() {
		err := pool.Purge(resource)
		require.NoError(err, "purge resource %s", resource.Container.Name)
	})

	host := getEnv("DOCKERTEST_HOST", "localhost")
	uri := fmt.Sprintf("postgres://postgres:postgres@%s:%s/postgres?sslmode=disable", host, resource.GetPort("5432/tcp"))

	var orm *gorm.DB
	// the server in the container might not accept connections yet
	err = pool.Retry(func() error {
		orm, err = gorm.Open(postgres.Open(uri), &gorm.Config{
			Logger: db.NewLogger(zap.NewNop()),
		})
		if err != nil {
			return err
		}
		d, err := orm.DB()
		if err != nil {
			return err
		}
		return d.Ping()
	})
	require.NoError(err, "wait for postgres connection")

	return orm
}
