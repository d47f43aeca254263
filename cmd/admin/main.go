// Binary admin is a command-line stand-in for the write side of
// original_source/cinch/admin.py's Flask-Admin views over Project and
// Job: registering a project cinch should track, and registering a job
// plus the ordered set of projects it builds. The Read API only ever
// lists these; mutating them is an operator action, not something an
// end user's browser should be able to do, so it lives here instead of
// behind an HTTP route.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/sirupsen/logrus"

	"github.com/onefinestay/cinch/config"
	"github.com/onefinestay/cinch/store"
)

func openStore(ctx context.Context, cfg config.Config) store.Store {
	if cfg.DBURI == "" {
		logrus.Fatal("DB_URI must be set; the admin tool never targets the in-memory store")
	}
	s, err := store.OpenPostgres(ctx, cfg.DBURI)
	if err != nil {
		logrus.WithError(err).Fatal("opening postgres store")
	}
	return s
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  admin add-project <owner> <name>
  admin add-job <job-name> <owner1/name1>[,<owner2/name2>...]`)
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	cfg := config.Load()
	ctx := context.Background()
	s := openStore(ctx, cfg)

	switch args[0] {
	case "add-project":
		if len(args) != 3 {
			usage()
		}
		addProject(ctx, s, args[1], args[2])
	case "add-job":
		if len(args) != 3 {
			usage()
		}
		addJob(ctx, s, args[1], args[2])
	default:
		usage()
	}
}

func addProject(ctx context.Context, s store.Store, owner, name string) {
	id, err := s.UpsertProject(ctx, owner, name)
	if err != nil {
		logrus.WithError(err).Fatal("adding project")
	}
	fmt.Printf("project %s/%s id=%d\n", owner, name, id)
}

// jobIDNode mints globally-unique job IDs; a single machine ID is
// sufficient since this CLI is never run concurrently against the same
// store by design (an operator runs it by hand).
var jobIDNode = mustSnowflakeNode(1)

func mustSnowflakeNode(machineID int64) *snowflake.Node {
	node, err := snowflake.NewNode(machineID)
	if err != nil {
		logrus.WithError(err).Fatal("initializing snowflake node")
	}
	return node
}

func addJob(ctx context.Context, s store.Store, jobName, projectsArg string) {
	var projects []store.JobProject
	for _, ref := range strings.Split(projectsArg, ",") {
		parts := strings.SplitN(ref, "/", 2)
		if len(parts) != 2 {
			logrus.Fatalf("invalid project reference %q, want owner/name", ref)
		}
		owner, name := parts[0], parts[1]
		proj, err := s.GetProject(ctx, owner, name)
		if err != nil {
			logrus.WithError(err).Fatalf("resolving project %q", ref)
		}
		projects = append(projects, store.JobProject{ProjectID: proj.ID})
	}
	if len(projects) == 0 {
		logrus.Fatal("a job needs at least one project")
	}

	id := jobIDNode.Generate().String()
	if err := s.CreateJob(ctx, id, jobName, projects); err != nil {
		logrus.WithError(err).Fatal("creating job")
	}
	fmt.Printf("job %s id=%s projects=%s\n", jobName, id, projectsArg)
}
