package bandwidth

import (
	"bufio"
	"os"
	"strings"
)

// rdtMonitoringFlag is the /proc/cpuinfo feature flag the Linux kernel
// publishes when it has enumerated RDT memory-bandwidth monitoring
// (CPUID.(EAX=07H,ECX=0):EBX.PQM[bit 12] plus CPUID.(EAX=0FH,ECX=1):EDX
// total/local bandwidth event support, the same leaf the pack's
// kubernetes-minikube cpuid.go names PQM). The kernel does the leaf
// decoding; this just reads its conclusion out of cpuinfo rather than
// re-deriving it with a raw CPUID instruction.
const rdtMonitoringFlag = "cqm_mbm_total"

// DetectRDTMonitoring reports whether the running CPU, as seen by the
// kernel, supports RDT total memory-bandwidth monitoring. Overridable so
// tests can force either path without depending on the host's CPU.
var DetectRDTMonitoring = func() bool {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "flags") && !strings.HasPrefix(line, "Features") {
			continue
		}
		_, flags, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		for _, flag := range strings.Fields(flags) {
			if flag == rdtMonitoringFlag {
				return true
			}
		}
		// Only the first "flags" line (core 0) needs checking: RDT
		// monitoring support does not vary per core.
		return false
	}
	return false
}
