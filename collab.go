package ffs

import (
	"path/filepath"
)

// LabelReader reports what the disk label says about a partition.
type LabelReader interface {
	Label(dev Device) (sectorSize int, fstype string, err error)
}

type defaultLabel struct{}

func (defaultLabel) Label(Device) (int, string, error) { return devBSize, "4.2BSD", nil }

// DeviceResolver maps a user-supplied path to the device to open and the
// place it is mounted, if any.
type DeviceResolver interface {
	Resolve(path string) (device, mountPoint string, err error)
}

// IdentityResolver treats every path as an unmounted device.
type IdentityResolver struct{}

// Resolve implements DeviceResolver.
func (IdentityResolver) Resolve(path string) (string, string, error) {
	return filepath.Clean(path), "", nil
}

// MountTableResolver resolves through a fixed device to mount point table.
type MountTableResolver map[string]string

// Resolve implements DeviceResolver.
func (m MountTableResolver) Resolve(path string) (string, string, error) {
	p := filepath.Clean(path)
	if mp, ok := m[p]; ok {
		return p, mp, nil
	}
	for dev, mp := range m {
		if mp == p {
			return dev, mp, nil
		}
	}
	return p, "", nil
}
