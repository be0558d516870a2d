package meta

import (
	"github.com/longhorn/longhorn-devio/pkg/shm"
)

const (
	// CLIAPIVersion used to communicate with scripts parsing the CLI output
	CLIAPIVersion    = 1
	CLIAPIMinVersion = 1
)

// Following variables are filled in by the linker
var (
	Version   string
	GitCommit string
	BuildDate string
)

type VersionOutput struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`

	CLIAPIVersion       int `json:"cliAPIVersion"`
	CLIAPIMinVersion    int `json:"cliAPIMinVersion"`
	SharedMemoryVersion int `json:"sharedMemoryVersion"`
}

func GetVersion() VersionOutput {
	return VersionOutput{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,

		CLIAPIVersion:       CLIAPIVersion,
		CLIAPIMinVersion:    CLIAPIMinVersion,
		SharedMemoryVersion: shm.RegionVersion,
	}
}
