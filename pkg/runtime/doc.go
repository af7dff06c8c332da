/*
Package runtime drives tenant bot containers on containerd.

Each bot runs as one container in a dedicated containerd namespace,
labeled so the control plane can find everything it manages. Container
stdout/stderr is captured to per-container log files; startup health is
judged by polling task status and scanning the log for readiness and
error markers, since bot processes expose no health port.
*/
package runtime
