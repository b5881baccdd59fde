package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"AgentForge/sdk/go/forge"
)

// Runs a task to completion against a running forged instance.
// Usage: go run ./sdk/go/examples http://localhost:8000
func main() {
	baseURL := "http://localhost:8000"
	if len(os.Args) > 1 {
		baseURL = os.Args[1]
	}

	client, err := forge.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	task, err := client.CreateTask(ctx, forge.TaskRequest{Input: "Summarise the attached notes"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created task %s\n", task.TaskID)

	notes, err := client.UploadArtifact(ctx, task.TaskID, "notes.txt", strings.NewReader("Q3 revenue grew 12%."))
	if err != nil {
		panic(err)
	}
	fmt.Printf("uploaded %s as %s\n", notes.FileName, notes.ArtifactID)

	for i := 0; i < 10; i++ {
		step, err := client.ExecuteStep(ctx, task.TaskID, forge.StepRequest{Input: "continue"})
		if err != nil {
			panic(err)
		}
		fmt.Printf("step %s [%s]: %s\n", step.StepID, step.Status, step.Output)
		if step.IsLast {
			break
		}
	}

	list, err := client.ListArtifacts(ctx, task.TaskID, forge.Page{})
	if err != nil {
		panic(err)
	}
	for _, a := range list.Items {
		body, _, err := client.DownloadArtifact(ctx, task.TaskID, a.ArtifactID)
		if err != nil {
			panic(err)
		}
		data, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			panic(err)
		}
		fmt.Printf("artifact %s (%d bytes, agent_created=%t)\n", a.FileName, len(data), a.AgentCreated)
	}
}
