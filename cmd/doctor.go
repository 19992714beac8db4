package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/takemura/backhaul/internal/archive"
	"github.com/takemura/backhaul/internal/config"
	"github.com/takemura/backhaul/internal/logger"
	"github.com/takemura/backhaul/internal/retry"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the host environment and configured endpoints",
	Long:  `Verify that the native tools backhaul shells out to are present, and probe the configured receiver endpoint and archive target.`,
	Run: func(cmd *cobra.Command, args []string) {
		l := logger.FromContext(cmd.Context())
		l.Info("backhaul doctor - environment check", "os", runtime.GOOS, "arch", runtime.GOARCH)

		groups := []struct {
			name     string
			binaries []string
		}{
			{"Service control", []string{"systemctl"}},
			{"MySQL", []string{"mysql", "mysqld"}},
		}

		allOk := true
		for _, group := range groups {
			fmt.Printf("[%s]\n", group.name)
			for _, bin := range group.binaries {
				path, err := exec.LookPath(bin)
				if err != nil {
					fmt.Printf("  [ ] %-12s: NOT FOUND\n", bin)
					allOk = false
				} else {
					fmt.Printf("  [x] %-12s: %s\n", bin, path)
				}
			}
			fmt.Println()
		}

		cfg := config.Get()

		if cfg.Agent.Endpoint != "" {
			fmt.Println("[Receiver Endpoint]")
			res := retry.Probe(cmd.Context(), cfg.Agent.Endpoint, 5*time.Second)
			if res.Reachable {
				fmt.Printf("  [x] %-12s: reachable in %s\n",
					cfg.Agent.Endpoint, res.Latency.Truncate(time.Millisecond))
			} else {
				fmt.Printf("  [ ] %-12s: UNREACHABLE (%v)\n", cfg.Agent.Endpoint, res.Err)
				allOk = false
			}
			fmt.Println()
		}

		if cfg.Receiver.ArchiveURI != "" {
			fmt.Println("[Archive Target]")
			scrubbed := scrubURI(cfg.Receiver.ArchiveURI)
			a, err := archive.FromURI(cfg.Receiver.ArchiveURI, archive.Options{
				AllowInsecure: cfg.Receiver.AllowInsecure,
			})
			if err != nil {
				fmt.Printf("  [ ] %-12s: FAILED (%v)\n", scrubbed, err)
				allOk = false
			} else {
				start := time.Now()
				if _, err := a.Store(cmd.Context(), ".doctor_check", strings.NewReader("ok")); err != nil {
					fmt.Printf("  [ ] %-12s: write FAILED (%v)\n", scrubbed, err)
					allOk = false
				} else {
					fmt.Printf("  [x] %-12s: read/write ok in %s\n",
						scrubbed, time.Since(start).Truncate(time.Millisecond))
					if d, ok := a.(interface {
						Delete(ctx context.Context, name string) error
					}); ok {
						_ = d.Delete(cmd.Context(), ".doctor_check")
					}
				}
			}
			fmt.Println()
		}

		if allOk {
			fmt.Println("Result: this host is ready to run backhaul.")
		} else {
			fmt.Println("Result: some checks failed; fix the items marked [ ] above.")
		}
	},
}

// scrubURI drops credentials embedded in a target URI before printing it.
func scrubURI(uri string) string {
	if at := strings.LastIndex(uri, "@"); at != -1 {
		if scheme := strings.Index(uri, "://"); scheme != -1 && scheme+3 < at {
			return uri[:scheme+3] + "***@" + uri[at+1:]
		}
	}
	return uri
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
