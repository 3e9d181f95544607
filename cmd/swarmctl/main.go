// swarmctl is the operator CLI for the devswarm backend. It talks to the
// HTTP API of a running server.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/devswarm/backend/internal/auth"
)

func main() {
	createCmd := flag.NewFlagSet("create", flag.ExitOnError)
	getCmd := flag.NewFlagSet("get", flag.ExitOnError)
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	deleteCmd := flag.NewFlagSet("delete", flag.ExitOnError)
	startCmd := flag.NewFlagSet("start", flag.ExitOnError)
	stopCmd := flag.NewFlagSet("stop", flag.ExitOnError)
	execCmd := flag.NewFlagSet("exec", flag.ExitOnError)
	migrateCmd := flag.NewFlagSet("migrate", flag.ExitOnError)
	migrationsCmd := flag.NewFlagSet("migrations", flag.ExitOnError)
	cancelCmd := flag.NewFlagSet("cancel", flag.ExitOnError)
	summaryCmd := flag.NewFlagSet("summary", flag.ExitOnError)
	tokenCmd := flag.NewFlagSet("token", flag.ExitOnError)

	server := getenv("SWARM_URL", "http://localhost:8080")
	token := os.Getenv("SWARM_TOKEN")

	// create flags
	createName := createCmd.String("name", "", "Instance name (required)")
	createImage := createCmd.String("image", "devswarm/workspace:latest", "Workspace image")
	createProvider := createCmd.String("provider", "docker", "Provider type (docker, gce)")
	createCPU := createCmd.Float64("cpu", 0, "Requested CPU cores")
	createMemory := createCmd.Int("memory", 0, "Requested memory in MB")
	createWorkspace := createCmd.String("workspace", "", "Workspace path to mount")

	// get/delete/start/stop flags
	getID := getCmd.String("id", "", "Instance id (required)")
	deleteID := deleteCmd.String("id", "", "Instance id (required)")
	startID := startCmd.String("id", "", "Instance id (required)")
	stopID := stopCmd.String("id", "", "Instance id (required)")
	stopForce := stopCmd.Bool("force", false, "Skip the grace period")

	// list flags
	listProvider := listCmd.String("provider", "", "Filter by provider type")
	listStatus := listCmd.String("status", "", "Filter by status")

	// exec flags
	execID := execCmd.String("id", "", "Instance id (required)")

	// migrate flags
	migrateID := migrateCmd.String("id", "", "Source instance id (required)")
	migrateTarget := migrateCmd.String("target", "", "Target provider type (required)")
	migrateStrategy := migrateCmd.String("strategy", "", "Migration strategy (stop-then-recreate, create-then-stop, export-import)")
	migrateKeepSource := migrateCmd.Bool("keep-source", false, "Keep the source instance")
	migrateStartTarget := migrateCmd.Bool("start-target", true, "Start the target after migration")
	migrateTimeout := migrateCmd.Int("timeout", 0, "Plan timeout in seconds")
	migratePlanOnly := migrateCmd.Bool("plan-only", false, "Create the plan without starting it")

	// migrations flags
	migrationsStatus := migrationsCmd.String("status", "", "Filter by plan status")

	// cancel flags
	cancelID := cancelCmd.String("id", "", "Migration plan id (required)")

	// token flags
	tokenSubject := tokenCmd.String("subject", "ops", "Token subject")
	tokenTTL := tokenCmd.Duration("ttl", 24*time.Hour, "Token lifetime")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	c := &client{server: server, token: token}

	switch os.Args[1] {
	case "create":
		createCmd.Parse(os.Args[2:])
		require(createCmd, "name", *createName)
		body := map[string]interface{}{
			"provider_type": *createProvider,
			"config": map[string]interface{}{
				"name":           *createName,
				"image":          *createImage,
				"workspace_path": *createWorkspace,
				"resources": map[string]interface{}{
					"cpu_cores": *createCPU,
					"memory_mb": *createMemory,
				},
			},
		}
		c.do("POST", "/api/instances", body)

	case "get":
		getCmd.Parse(os.Args[2:])
		require(getCmd, "id", *getID)
		c.do("GET", "/api/instances/"+*getID, nil)

	case "list":
		listCmd.Parse(os.Args[2:])
		q := []string{}
		if *listProvider != "" {
			q = append(q, "provider="+*listProvider)
		}
		if *listStatus != "" {
			q = append(q, "status="+*listStatus)
		}
		path := "/api/instances"
		if len(q) > 0 {
			path += "?" + strings.Join(q, "&")
		}
		c.do("GET", path, nil)

	case "delete":
		deleteCmd.Parse(os.Args[2:])
		require(deleteCmd, "id", *deleteID)
		c.do("DELETE", "/api/instances/"+*deleteID, nil)

	case "start":
		startCmd.Parse(os.Args[2:])
		require(startCmd, "id", *startID)
		c.do("POST", "/api/instances/"+*startID+"/start", nil)

	case "stop":
		stopCmd.Parse(os.Args[2:])
		require(stopCmd, "id", *stopID)
		path := "/api/instances/" + *stopID + "/stop"
		if *stopForce {
			path += "?force=true"
		}
		c.do("POST", path, nil)

	case "exec":
		execCmd.Parse(os.Args[2:])
		require(execCmd, "id", *execID)
		command := execCmd.Args()
		if len(command) == 0 {
			fmt.Fprintln(os.Stderr, "Error: command is required after flags")
			os.Exit(1)
		}
		c.do("POST", "/api/instances/"+*execID+"/exec", map[string]interface{}{"command": command})

	case "migrate":
		migrateCmd.Parse(os.Args[2:])
		require(migrateCmd, "id", *migrateID)
		require(migrateCmd, "target", *migrateTarget)
		body := map[string]interface{}{
			"source_instance_id":   *migrateID,
			"target_provider_type": *migrateTarget,
			"strategy":             *migrateStrategy,
			"keep_source":          *migrateKeepSource,
			"start_target":         *migrateStartTarget,
			"timeout_seconds":      *migrateTimeout,
		}
		created := c.request("POST", "/api/migrations", body)
		var res struct {
			Success bool `json:"success"`
			Plan    struct {
				ID string `json:"id"`
			} `json:"plan"`
		}
		if err := json.Unmarshal(created, &res); err != nil || !res.Success {
			fmt.Println(string(created))
			os.Exit(1)
		}
		if *migratePlanOnly {
			fmt.Println(string(created))
			return
		}
		fmt.Printf("Plan %s created, starting migration...\n", res.Plan.ID)
		c.do("POST", "/api/migrations/"+res.Plan.ID+"/start", nil)

	case "migrations":
		migrationsCmd.Parse(os.Args[2:])
		path := "/api/migrations"
		if *migrationsStatus != "" {
			path += "?status=" + *migrationsStatus
		}
		c.do("GET", path, nil)

	case "cancel":
		cancelCmd.Parse(os.Args[2:])
		require(cancelCmd, "id", *cancelID)
		c.do("POST", "/api/migrations/"+*cancelID+"/cancel", nil)

	case "summary":
		summaryCmd.Parse(os.Args[2:])
		c.do("GET", "/api/admin/summary", nil)

	case "token":
		tokenCmd.Parse(os.Args[2:])
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			fmt.Fprintln(os.Stderr, "Error: JWT_SECRET environment variable is required")
			os.Exit(1)
		}
		tok, err := auth.New(secret, false).GenerateToken(*tokenSubject, "admin", *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)

	default:
		printUsage()
		os.Exit(1)
	}
}

type client struct {
	server string
	token  string
}

// do performs the request and pretty-prints the response body.
func (c *client) do(method, path string, body interface{}) {
	out := c.request(method, path, body)
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err != nil {
		fmt.Println(string(out))
		return
	}
	fmt.Println(pretty.String())
}

func (c *client) request(method, path string, body interface{}) []byte {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.server+path, buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "Error (%d): %s\n", resp.StatusCode, strings.TrimSpace(string(out)))
		os.Exit(1)
	}
	return out
}

func require(fs *flag.FlagSet, name, value string) {
	if value == "" {
		fmt.Fprintf(os.Stderr, "Error: -%s is required\n", name)
		fs.PrintDefaults()
		os.Exit(1)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println(`swarmctl - devswarm operator CLI

Usage:
  swarmctl <command> [flags]

Instance commands:
  create      Create an instance (-name, -provider, -image, -cpu, -memory)
  get         Show an instance (-id)
  list        List instances (-provider, -status)
  start       Start an instance (-id)
  stop        Stop an instance (-id, -force)
  delete      Delete an instance (-id)
  exec        Run a command in an instance (-id <cmd...>)

Migration commands:
  migrate     Migrate an instance (-id, -target, -strategy, -keep-source, -start-target, -plan-only)
  migrations  List migration plans (-status)
  cancel      Cancel a running migration (-id)

Admin commands:
  summary     Show swarm summary (requires SWARM_TOKEN)
  token       Mint an admin token (requires JWT_SECRET; -subject, -ttl)

Environment:
  SWARM_URL    Server address (default http://localhost:8080)
  SWARM_TOKEN  Bearer token for admin commands`)
}
