// Package process runs task commands in their own process group so a whole
// tree can be signalled at once: SIGTERM first, SIGKILL once a grace period
// expires. Descendants that left the group are found through gopsutil.
package process
