package main

import (
	"fmt"
	"time"

	"github.com/pairflow/pairflow/go/repos"
	mbp "go.gazette.dev/core/mainboilerplate"
)

type repoConfig struct {
	Registry string        `long:"registry" env:"PAIRFLOW_REPOS" description:"Repos registry file (default: ~/.pairflow/repos.json)"`
	Log      mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (c repoConfig) registry() *repos.Registry {
	mbp.InitLog(c.Log)
	var path = c.Registry
	if path == "" {
		var p, err = repos.DefaultPath()
		mbp.Must(err, "failed to resolve repos registry path")
		path = p
	}
	return &repos.Registry{Path: path}
}

type cmdRepoAdd struct {
	repoConfig
	Args struct {
		Path string `positional-arg-name:"path" description:"Repository path to register"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd cmdRepoAdd) Execute(_ []string) error {
	var added, err = cmd.registry().Add(cmd.Args.Path)
	if err != nil {
		return err
	}
	if !added {
		fmt.Printf("%s is already registered\n", cmd.Args.Path)
		return nil
	}
	fmt.Printf("registered %s\n", cmd.Args.Path)
	return nil
}

type cmdRepoRemove struct {
	repoConfig
	Args struct {
		Path string `positional-arg-name:"path" description:"Repository path to unregister"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd cmdRepoRemove) Execute(_ []string) error {
	if err := cmd.registry().Remove(cmd.Args.Path); err != nil {
		return err
	}
	fmt.Printf("unregistered %s\n", cmd.Args.Path)
	return nil
}

type cmdRepoList struct {
	repoConfig
	outputConfig
}

func (cmd cmdRepoList) Execute(_ []string) error {
	var list, err = cmd.registry().List()
	if err != nil {
		return err
	}
	return cmd.render(list, func() {
		if len(list) == 0 {
			fmt.Println("no repositories registered")
			return
		}
		for _, e := range list {
			fmt.Printf("%s\t(added %s)\n", e.Path, e.AddedAt.Format(time.RFC3339))
		}
	})
}
