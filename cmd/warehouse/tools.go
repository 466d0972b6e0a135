package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"isa-warehouse/internal/domain"
	"isa-warehouse/internal/infra/config"
)

func runCheck(args []string, stdout io.Writer) error {
	fs, cfgPath := newFlagSet("check", stdout)
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c, err := initCore(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "config ok: %d models, %d roles, %d tokens\n",
		len(c.schemas), len(c.resolver.Roles()), len(cfg.Auth.Tokens))
	return nil
}

func runResolve(args []string, stdout io.Writer) error {
	fs, cfgPath := newFlagSet("resolve", stdout)
	user := fs.String("user", "", "user name, recorded in traces only")
	roles := fs.StringSlice("roles", nil, "comma-separated roles held by the user")
	resources := fs.StringSlice("resources", nil, "comma-separated resources (default: all known)")
	asJSON := fs.Bool("json", false, "print JSON instead of text")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c, err := initCore(cfg)
	if err != nil {
		return err
	}

	res := *resources
	if len(res) == 0 {
		res = c.resources
	}
	result := c.resolver.Resolve(context.Background(), *user, *roles, res)

	names := make([]string, 0, len(result))
	for name := range result {
		names = append(names, name)
	}
	sort.Strings(names)

	if *asJSON {
		out := make(map[string][]domain.Action, len(result))
		for _, name := range names {
			out[name] = result[name].Sorted()
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	for _, name := range names {
		actions := result[name].Sorted()
		if len(actions) == 0 {
			fmt.Fprintf(stdout, "%s: (none)\n", name)
			continue
		}
		parts := make([]string, len(actions))
		for i, a := range actions {
			parts[i] = string(a)
		}
		fmt.Fprintf(stdout, "%s: %s\n", name, strings.Join(parts, ","))
	}
	return nil
}

// runEncrypt prints the "enc:" form of a token. The value comes from the
// first argument, or stdin when none is given.
func runEncrypt(args []string, stdout io.Writer) error {
	fs, _ := newFlagSet("encrypt", stdout)
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	passphrase := os.Getenv("WAREHOUSE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("WAREHOUSE_CONFIG_KEY must be set")
	}

	value := fs.Arg(0)
	if value == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("read value: %w", err)
		}
		value = strings.TrimSpace(line)
	}
	if value == "" {
		return fmt.Errorf("no value to encrypt")
	}

	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "enc:%s\n", enc)
	return nil
}
