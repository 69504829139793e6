package restart

// ExitCodeRestartRequested tells a supervising parent to launch the daemon
// again. Supervisors compare against it, so it must stay stable.
const ExitCodeRestartRequested = 23
