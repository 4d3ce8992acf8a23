package main

import (
	"fmt"

	"github.com/jmallek/llamagate/internal/identity"
)

// runKeygen mints a caller API key and prints the config entry for it. Only
// the hash is stored; the key itself is shown once.
func runKeygen() error {
	key, err := identity.GenerateKey()
	if err != nil {
		return err
	}
	hash, err := identity.HashKey(key, identity.DefaultArgon2Params())
	if err != nil {
		return err
	}

	fmt.Printf("API key (save it now, it is not stored):\n\n  %s\n\n", key)
	fmt.Println("Add to config.toml:")
	fmt.Println()
	fmt.Println("[[api_keys]]")
	fmt.Printf("hash = %q\n", hash)
	fmt.Println(`role = "user"`)
	fmt.Println(`tier = "free"`)
	return nil
}
