package sandbox

import (
	"errors"
	"fmt"
)

// Kind is the closed set of resource kinds an administrator may delete
// from a sandbox namespace. Unknown kinds are rejected at the API
// boundary by ParseKind; nothing dispatches on raw strings past it.
type Kind int

const (
	KindPod Kind = iota
	KindService
	KindDeployment
	KindSecret
	KindPVC
)

var ErrUnknownKind = errors.New("unknown resource kind")

var kindNames = map[Kind]string{
	KindPod:        "pod",
	KindService:    "service",
	KindDeployment: "deployment",
	KindSecret:     "secret",
	KindPVC:        "pvc",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind resolves a kind name supplied by a caller. Names are the
// lowercase singulars: pod, service, deployment, secret, pvc.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}
