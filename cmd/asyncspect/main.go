package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/asyncspect/asyncspect/pkg/backend"
	"github.com/asyncspect/asyncspect/pkg/decode"
	"github.com/asyncspect/asyncspect/pkg/history"
	"github.com/asyncspect/asyncspect/pkg/inspect"
	"github.com/asyncspect/asyncspect/pkg/layout"
	"github.com/asyncspect/asyncspect/pkg/version"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "%s\nusage: asyncspect <firmware.elf> [target args...]\n", version.GetVersionInfo())
		os.Exit(2)
	}
	target := os.Args[1]

	model, err := layout.Build(target)
	if err != nil {
		log.Fatalf("Failed to build layout model: %v", err)
	}
	fmt.Printf("Found %d task pool(s) and %d poll return point(s)\n",
		len(model.Pools()), len(model.PollReturns()))

	be, err := backend.NewDelveBackend(target, os.Args[2:]...)
	if err != nil {
		log.Fatalf("Failed to attach backend: %v", err)
	}

	insp, err := inspect.New(model, be,
		inspect.WithHistory(history.NewMemoryRecorder(64)))
	if err != nil {
		_ = be.Detach()
		log.Fatalf("Failed to create inspector: %v", err)
	}
	defer insp.Detach()

	if err := insp.Arm(true); err != nil {
		log.Fatalf("Failed to arm: %v", err)
	}

	stdin := bufio.NewScanner(os.Stdin)
	for {
		reason, err := insp.WaitForStop()
		if err != nil {
			log.Fatalf("Lost target: %v", err)
		}
		if insp.Phase() == inspect.Detached {
			fmt.Println("Target exited")
			return
		}
		fmt.Printf("\nStopped (%v) at cycle %d:\n", reason.Kind, insp.Forest().Seq)
		printForest(insp.Forest())

		fmt.Print("press enter to resume, q to quit: ")
		if !stdin.Scan() || strings.TrimSpace(stdin.Text()) == "q" {
			return
		}
		if err := insp.Resume(); err != nil {
			log.Fatalf("Failed to resume: %v", err)
		}
	}
}

func printForest(f *inspect.Forest) {
	if f == nil {
		fmt.Println("  (no snapshot yet)")
		return
	}
	for _, pool := range f.Pools {
		fmt.Printf("  pool %s @ 0x%x\n", pool.Path, pool.Address)
		for _, task := range pool.Tasks {
			if !task.Occupied {
				fmt.Printf("    slot %d: empty\n", task.Slot)
				continue
			}
			fmt.Printf("    slot %d:\n", task.Slot)
			printValue(task.Root, 6)
		}
	}
}

func printValue(v decode.Value, indent int) {
	pad := strings.Repeat(" ", indent)
	switch v := v.(type) {
	case *decode.AsyncFnValue:
		fmt.Printf("%s%s: %s\n", pad, v.Type, v.StateName)
		for _, f := range v.Fields {
			fmt.Printf("%s  %s =\n", pad, f.Name)
			printValue(f.Value, indent+4)
		}
		if v.Awaitee != nil {
			printValue(v.Awaitee, indent+2)
		}
	case *decode.FanValue:
		fmt.Printf("%s%s (%v)\n", pad, v.Type, v.Mode)
		for idx, c := range v.Children {
			state := "pending"
			if c.Ready {
				state = "ready"
			}
			fmt.Printf("%s  [%d] %s\n", pad, idx, state)
			printValue(c.Value, indent+4)
		}
	case *decode.Leaf:
		fmt.Printf("%s%s = %s\n", pad, v.Type, v.Text)
	case *decode.Unreadable:
		fmt.Printf("%s%s\n", pad, v.Reason())
	default:
		fmt.Printf("%s(nil)\n", pad)
	}
}
