package version

import (
	"fmt"
	"runtime"

	"github.com/goccy/go-json"
)

// set with -ldflags "-X kubegems.io/jobflow/pkg/version.gitVersion=..."
var (
	gitVersion = "v0.0.0-master+$Format:%H$" // $(git describe --tags --dirty)
	gitCommit  = "$Format:%H$"               // $(git rev-parse HEAD)
	buildDate  = "1970-01-01T00:00:00Z"      // $(date -u +'%Y-%m-%dT%H:%M:%SZ')
)

type Version struct {
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit"`
	BuildDate  string `json:"buildDate"`
	GoVersion  string `json:"goVersion"`
	Compiler   string `json:"compiler"`
	Platform   string `json:"platform"`
}

func Get() Version {
	return Version{
		GitVersion: gitVersion,
		GitCommit:  gitCommit,
		BuildDate:  buildDate,
		GoVersion:  runtime.Version(),
		Compiler:   runtime.Compiler,
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func (v Version) String() string {
	bts, _ := json.MarshalIndent(v, "", "  ")
	return string(bts)
}
