package dispatcher

// ExitCode enumerates the sentinel exit codes a supervising shell observes
// (spec §6).
type ExitCode int

const (
	ExitNormal                    ExitCode = 0
	ExitFatal                     ExitCode = 1
	ExitRetryable                 ExitCode = 2
	ExitRunnerUpdating            ExitCode = 3
	ExitRunOnceUpdating           ExitCode = 4
	ExitSessionConflict           ExitCode = 5
	ExitConfigurationRefreshed    ExitCode = 6
)
