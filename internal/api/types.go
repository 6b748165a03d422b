// Package api defines the wire protocol between the losetup-server broker
// and the in-container clients (losetup-client, mount-wrapper).
package api

// Operation identifies the requested loop-device operation.
type Operation string

const (
	// OpAttach attaches a backing file to a free loop device and makes the
	// device (and any discovered partitions) visible in the container.
	OpAttach Operation = "attach"
	// OpDetach removes the device from the container and detaches it on the
	// host.
	OpDetach Operation = "detach"
	// OpList returns all devices managed by this broker.
	OpList Operation = "list"
	// OpResize re-reads the backing file size (losetup --set-capacity).
	OpResize Operation = "resize"
	// OpSetReadOnly flips the read-only flag on an attached device.
	OpSetReadOnly Operation = "setReadOnly"
)

// Request is the decoded operation request. BackingFile paths that are not
// host device paths are interpreted relative to the container rootfs.
type Request struct {
	Operation     Operation `json:"operation"`
	BackingFile   string    `json:"backingFile,omitempty"`
	Path          string    `json:"path,omitempty"`
	PartitionScan bool      `json:"partitionScan,omitempty"`
	ReadOnly      bool      `json:"readOnly,omitempty"`
	// Force allows attaching a backing file that already has a live device,
	// allocating a second one (losetup tolerates repeated attach only when
	// explicitly re-requested).
	Force bool `json:"force,omitempty"`
	// Offset and SizeLimit restrict the mapped region of the backing file,
	// in bytes. Zero means "from the start" and "to the end" respectively.
	Offset    uint64 `json:"offsetBytes,omitempty"`
	SizeLimit uint64 `json:"sizeLimitBytes,omitempty"`
}

// Status reports whether a request succeeded.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ErrorKind values, mirrored by the client into losetup-style exit codes.
const (
	KindValidation      = "ValidationError"
	KindKernel          = "KernelFailure"
	KindReconcileFailed = "ContainerReconcileFailed"
	KindNotFound        = "NotFound"
	KindAlreadyExists   = "AlreadyExists"
	KindTimeout         = "Timeout"
)

// DeviceInfo describes one managed loop device in a list response.
type DeviceInfo struct {
	Path          string   `json:"path"`
	BackingFile   string   `json:"backingFile"`
	ReadOnly      bool     `json:"readOnly"`
	PartitionScan bool     `json:"partitionScan"`
	State         string   `json:"state"`
	Partitions    []string `json:"partitions,omitempty"`
}

// Response is the reply for any operation. For attach, Path names the
// assigned device and Partitions lists the sub-devices that are visible in
// the container. A ContainerReconcileFailed response for a partition scan
// still carries Path and the partitions that did attach, so the caller can
// retry only the failures.
type Response struct {
	Status      Status       `json:"status"`
	Path        string       `json:"path,omitempty"`
	BackingFile string       `json:"backingFile,omitempty"`
	Partitions  []string     `json:"partitions,omitempty"`
	Devices     []DeviceInfo `json:"devices,omitempty"`
	ErrorKind   string       `json:"errorKind,omitempty"`
	Message     string       `json:"message,omitempty"`
}
