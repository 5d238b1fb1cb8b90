package snapshot_test

import (
	"flag"
	"os"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/testutil"
)

var databaseURI string

func TestMain(m *testing.M) {
	flag.Parse()
	if !testing.Verbose() {
		logging.SetLevel("panic")
	}
	pool, err := dockertest.NewPool("")
	if err != nil {
		logging.Default().Fatalf("Could not connect to Docker: %s", err)
	}
	var closer func()
	databaseURI, closer = testutil.GetDBInstance(pool)
	code := m.Run()
	closer()
	os.Exit(code)
}
