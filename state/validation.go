package state

import (
	"fmt"
	"net/netip"
	"regexp"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func BindValidator(s string) error {
	_, err := netip.ParseAddrPort(s)
	return err
}

func NodeConfigValidator(node *LocalCfg) error {
	err := NameValidator(string(node.Id))
	if err != nil {
		return err
	}
	if node.Listen != "" {
		if err := BindValidator(node.Listen); err != nil {
			return fmt.Errorf("node.Listen is invalid: %w", err)
		}
	}
	if node.ForwardTimeout < 0 {
		return fmt.Errorf("node.ForwardTimeout must not be negative")
	}
	if node.MaxConnections < 0 {
		return fmt.Errorf("node.MaxConnections must not be negative")
	}
	for _, r := range node.Resolvers {
		if err := BindValidator(r); err != nil {
			return fmt.Errorf("resolver %s is invalid: %w", r, err)
		}
	}
	seen := make(map[string]struct{})
	for _, peer := range node.Peers {
		if _, ok := seen[peer]; ok {
			return fmt.Errorf("duplicate peer: %s", peer)
		}
		seen[peer] = struct{}{}
	}
	return nil
}
