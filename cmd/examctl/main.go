// Command examctl is an operator CLI over the Task Repository: enqueue a
// new exam PDF for processing, list tasks, show one task's snapshot, or
// delete a task (soft by default, hard with --hard). It talks to the same Neo4j store examworker uses and
// has no in-process visibility into a running worker — starting, stepping,
// and cancelling tasks happens there.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/examcore/examcore/internal/config"
	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		fatalf("connect neo4j: %v", err)
	}
	defer driver.Close(ctx)

	repo := store.New(driver)

	var cmdErr error
	switch os.Args[1] {
	case "enqueue":
		cmdErr = runEnqueue(ctx, cfg, repo, os.Args[2:])
	case "list":
		cmdErr = runList(ctx, repo, os.Args[2:])
	case "show":
		cmdErr = runShow(ctx, repo, os.Args[2:])
	case "delete":
		cmdErr = runDelete(ctx, repo, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if cmdErr != nil {
		fatalf("%v", cmdErr)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  examctl enqueue <pdf-path> [--mode=auto|manual]
  examctl list [--status=pending|processing|completed|failed]
  examctl show <task-id>
  examctl delete <task-id> [--hard]`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// runEnqueue copies the given PDF into a fresh task workdir and creates its
// Task Repository record, leaving it pending for examworker to pick up.
func runEnqueue(ctx context.Context, cfg config.Config, repo *store.Store, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("enqueue: missing <pdf-path>")
	}
	pdfPath := args[0]
	mode := domain.ModeAuto
	for _, a := range args[1:] {
		if a == "--mode=manual" {
			mode = domain.ModeManual
		}
	}

	info, err := os.Stat(pdfPath)
	if err != nil {
		return fmt.Errorf("enqueue: stat pdf: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("enqueue: %s is a directory", pdfPath)
	}

	taskID := uuid.NewString()
	examDir := taskID
	workdir := filepath.Join(cfg.WorkdirBase, examDir)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("enqueue: create workdir: %w", err)
	}

	pdfName := filepath.Base(pdfPath)
	if err := copyFile(pdfPath, filepath.Join(workdir, pdfName)); err != nil {
		return fmt.Errorf("enqueue: copy pdf into workdir: %w", err)
	}

	task := domain.Task{
		TaskID:      taskID,
		Mode:        mode,
		PDFName:     pdfName,
		ExamDirName: examDir,
		Status:      domain.TaskPending,
		CurrentStep: -1,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := repo.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("enqueue: create task: %w", err)
	}
	fmt.Println(taskID)
	return nil
}

func runList(ctx context.Context, repo *store.Store, args []string) error {
	var status *domain.TaskStatus
	for _, a := range args {
		const prefix = "--status="
		if len(a) > len(prefix) && a[:len(prefix)] == prefix {
			s := domain.TaskStatus(a[len(prefix):])
			status = &s
		}
	}
	tasks, err := repo.ListTasks(ctx, status, 100, 0)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tasks)
}

func runShow(ctx context.Context, repo *store.Store, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("show: missing <task-id>")
	}
	snap, err := repo.GetTask(ctx, args[0])
	if err != nil {
		return fmt.Errorf("show: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func runDelete(ctx context.Context, repo *store.Store, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("delete: missing <task-id>")
	}
	soft := true
	for _, a := range args[1:] {
		if a == "--hard" {
			soft = false
		}
	}
	if err := repo.DeleteTask(ctx, args[0], soft); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	fmt.Println("deleted:", args[0])
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
