package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidNamespace = errors.New("invalid namespace")
	ErrInvalidJobID     = errors.New("invalid job ID")
)

const (
	// Length bounds are exclusive on both ends.
	NamespaceMinLength = 3
	NamespaceMaxLength = 64
	JobIDMinLength     = 3
	JobIDMaxLength     = 64

	keySeparator = ":"
)

var (
	namespaceRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)
	jobIDRegex     = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// JobKey uniquely addresses a job within the store.
type JobKey struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
}

// Format returns the composite store key "<namespace>:<id>".
func (k JobKey) Format() string {
	return k.Namespace + keySeparator + k.ID
}

func (k JobKey) String() string {
	return k.Format()
}

// Validate checks the namespace and ID against their charset and length bounds.
func (k JobKey) Validate() error {
	if !IsValidNamespace(k.Namespace) {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, k.Namespace)
	}
	if !IsValidJobID(k.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, k.ID)
	}
	return nil
}

// ParseJobKey splits a composite store key on the first separator.
func ParseJobKey(key string) (JobKey, error) {
	namespace, id, ok := strings.Cut(key, keySeparator)
	if !ok || namespace == "" || id == "" {
		return JobKey{}, fmt.Errorf("invalid key format: %q", key)
	}
	return JobKey{ID: id, Namespace: namespace}, nil
}

// NamespacePattern returns the glob matching every key in a namespace.
func NamespacePattern(namespace string) string {
	return namespace + keySeparator + "*"
}

func IsValidNamespace(namespace string) bool {
	return validLength(namespace, NamespaceMinLength, NamespaceMaxLength) && namespaceRegex.MatchString(namespace)
}

func IsValidJobID(id string) bool {
	return validLength(id, JobIDMinLength, JobIDMaxLength) && jobIDRegex.MatchString(id)
}

func validLength(value string, minLength, maxLength int) bool {
	return len(value) > minLength && len(value) < maxLength
}
