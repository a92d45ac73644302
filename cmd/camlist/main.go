// Command camlist prints the cameras visible to the acquisition backend.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/linesight/inspectd/internal/camera"
)

var devMode = flag.Bool("dev", false, "List the simulated camera instead of real hardware")

func main() {
	flag.Parse()

	var enum camera.Enumerator
	if *devMode {
		enum = camera.NewSimulatedEnumerator(1280, 960)
	} else {
		var err error
		enum, err = camera.NewWebcamEnumerator()
		if err != nil {
			log.Fatalf("failed to initialize camera backend: %v", err)
		}
	}

	infos, err := enum.Devices()
	if err != nil {
		log.Fatalf("failed to enumerate cameras: %v", err)
	}
	if len(infos) == 0 {
		fmt.Println("no cameras found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tMODEL\tSERIAL")
	for _, info := range infos {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			info.Index, info.FriendlyName, info.ModelName, info.SerialNumber)
	}
	w.Flush()
}
