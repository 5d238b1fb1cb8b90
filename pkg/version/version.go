package version

import "fmt"

// Version is the current git version of the code. It is filled in by the build with
// -ldflags "-X github.com/treeverse/tables/pkg/version.Version=<tag>".
var Version = "dev"

// UserAgent identifies this build in records it writes
func UserAgent() string {
	return fmt.Sprintf("tables/%s", Version)
}
