package main

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation"
)

func validateResourceName(value string) error {
	if len(value) == 0 {
		return errors.New("must be set")
	}

	// used by Kubernetes to validate resource names
	messages := validation.IsDNS1123Subdomain(value)
	if len(messages) > 0 {
		msg := strings.Join(messages, "; ")
		return fmt.Errorf("invalid format: %s", msg)
	}

	return nil
}

func validateNamespaceName(value string) error {
	// used by Kubernetes to validate resource namespace names
	messages := validation.IsDNS1123Label(value)
	if len(messages) > 0 {
		msg := strings.Join(messages, "; ")
		return fmt.Errorf("invalid format: %s", msg)
	}

	return nil
}

func parseNamespacedResourceName(value string) (types.NamespacedName, error) {
	if value == "" {
		return types.NamespacedName{}, errors.New("must be set")
	}

	parts := strings.Split(value, "/")
	if len(parts) != 2 {
		return types.NamespacedName{}, errors.New("invalid format; must be NAMESPACE/NAME")
	}

	if err := validateNamespaceName(parts[0]); err != nil {
		return types.NamespacedName{}, fmt.Errorf("invalid namespace name: %w", err)
	}
	if err := validateResourceName(parts[1]); err != nil {
		return types.NamespacedName{}, fmt.Errorf("invalid resource name: %w", err)
	}

	return types.NamespacedName{
		Namespace: parts[0],
		Name:      parts[1],
	}, nil
}

func validatePort(port int) error {
	if port < 1024 || port > 65535 {
		return fmt.Errorf("port outside of valid port range [1024 - 65535]: %v", port)
	}

	return nil
}

func ensureNoPortCollisions(ports ...int) error {
	seen := make(map[int]struct{})

	for _, port := range ports {
		if _, ok := seen[port]; ok {
			return fmt.Errorf("port %d is used more than once", port)
		}
		seen[port] = struct{}{}
	}

	return nil
}
