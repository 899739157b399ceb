package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"umbrella"
)

func init() {
	stdFormatter := &log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
		ForceColors:     true,
		DisableColors:   false,
	}
	log.SetFormatter(stdFormatter)
	log.SetOutput(os.Stderr)
	log.SetLevel(log.WarnLevel)
}

func main() {
	sh := newShell(os.Stdout, os.Stdin)
	app := newApp(sh)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(umbrella.ExitCode(err))
	}
}

// repl reads one command per line and runs it through app, keeping the mounted
// session between lines. A failed command is reported and the loop goes on.
func (sh *shell) repl(app *cli.App) error {
	sh.interactive = true
	sh.quit = false
	defer func() { sh.interactive = false }()

	var history *os.File
	if sh.cfg.HistoryFile != "" {
		f, err := os.OpenFile(sh.cfg.HistoryFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			log.Warnf("history disabled: %v", err)
		} else {
			history = f
			defer history.Close()
		}
	}

	scanner := bufio.NewScanner(sh.in)
	for !sh.quit {
		sh.printf("%s", sh.cfg.Prompt)
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if history != nil {
			fmt.Fprintln(history, line)
		}
		if err := app.Run(append([]string{app.Name}, strings.Fields(line)...)); err != nil {
			sh.printf("ERROR: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "reading commands")
	}
	if sh.session != nil {
		err := sh.session.Unmount()
		sh.session = nil
		return err
	}
	return nil
}
