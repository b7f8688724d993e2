package train

import (
	"errors"
	"fmt"

	torch "github.com/wangkuiyi/gotorch"
)

var ErrNoCUDA = errors.New("cuda requested but not available")

// SelectDevice maps the configured device name to a torch device. "auto"
// picks CUDA when it is available.
func SelectDevice(name string) (torch.Device, error) {
	switch name {
	case "", "auto":
		if torch.IsCUDAAvailable() {
			return torch.NewDevice("cuda"), nil
		}
		return torch.NewDevice("cpu"), nil
	case "cuda":
		if !torch.IsCUDAAvailable() {
			return torch.Device{}, ErrNoCUDA
		}
		return torch.NewDevice("cuda"), nil
	case "cpu":
		return torch.NewDevice("cpu"), nil
	}
	return torch.Device{}, fmt.Errorf("unknown device %q", name)
}

// DeviceName is "cuda" or "cpu" for logging.
func DeviceName(name string) string {
	if name == "cuda" || ((name == "" || name == "auto") && torch.IsCUDAAvailable()) {
		return "cuda"
	}
	return "cpu"
}
