package version

import (
	"fmt"
	"runtime"
)

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/storefront/internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build описывает сборку сервиса.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Get возвращает сведения о сборке.
func Get() Build {
	return Build{
		Version:   version,
		Commit:    commit,
		Date:      date,
		GoVersion: runtime.Version(),
	}
}

// Version возвращает только версию, её показывают в /healthz.
func Version() string { return version }

func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", version, commit, date, runtime.Version())
}
