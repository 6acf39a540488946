package agentclient

import "syscall"

// processTerminateSignal is the signal used to request cooperative
// shutdown of the agent subprocess before escalating to Kill.
var processTerminateSignal = syscall.SIGTERM
