package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Meander-Cloud/go-policyd/config"
	"github.com/Meander-Cloud/go-policyd/control"
	"github.com/Meander-Cloud/go-policyd/message"
)

// LoggingConsole prints every service notification.
type LoggingConsole struct {
	LogPrefix string
}

func (lc *LoggingConsole) ConnectionChanged(connected bool) {
	log.Printf("%s: ConnectionChanged: connected=%t", lc.LogPrefix, connected)
}

func (lc *LoggingConsole) StatusChanged(update *message.StatusUpdate) {
	log.Printf(
		"%s: StatusChanged: status=%s, time=%s",
		lc.LogPrefix,
		update.Status,
		time.UnixMilli(update.Time).Format(time.RFC3339),
	)
}

func (lc *LoggingConsole) BlockAction(action *message.BlockAction) {
	log.Printf(
		"%s: BlockAction: type=%s, resource=%s, category=%s(%d)",
		lc.LogPrefix,
		action.Type,
		action.Resource,
		action.Category,
		action.CategoryID,
	)
}

func (lc *LoggingConsole) ConfigurationUpdated(update *message.ConfigurationUpdate) {
	log.Printf("%s: ConfigurationUpdated: result=%s, correlationID=%s", lc.LogPrefix, update.Result, update.CorrelationID)
}

func (lc *LoggingConsole) ConfigurationPushed(snapshot *message.ConfigurationSnapshot) {
	log.Printf("%s: ConfigurationPushed: %s", lc.LogPrefix, describeSnapshot(snapshot))
}

func (lc *LoggingConsole) UpdateAvailable(update *message.UpdateAvailable) {
	log.Printf("%s: UpdateAvailable: %+v", lc.LogPrefix, *update)
}

func (lc *LoggingConsole) RelaxedPolicyChanged(relaxed *message.RelaxedPolicyState) {
	log.Printf("%s: RelaxedPolicyChanged: %+v", lc.LogPrefix, *relaxed)
}

func (lc *LoggingConsole) TimeRestrictionChanged(restriction *message.TimeRestrictionState) {
	log.Printf("%s: TimeRestrictionChanged: %+v", lc.LogPrefix, *restriction)
}

func describeSnapshot(s *message.ConfigurationSnapshot) string {
	return fmt.Sprintf(
		"lists=%d, updateFrequency=%ds, configHash=%s, listsHash=%s",
		len(s.Lists),
		s.UpdateFrequencySecs,
		s.ConfigHash,
		s.ListsHash,
	)
}

func waitForSignal(logPrefix string) {
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch // wait
	log.Printf("%s: received signal %s, exiting", logPrefix, sig.String())
}

func runService(c *config.Config) {
	s, err := control.NewService(
		&control.ServiceOptions{
			Config:    c,
			Remote:    nil,
			Matcher:   nil,
			Protector: nil,
		},
	)
	if err != nil {
		panic(err)
	}

	waitForSignal(c.LogPrefix)

	s.Shutdown()
}

func runConsole(c *config.Config) {
	p, err := control.NewConsole(
		c,
		&LoggingConsole{
			LogPrefix: c.LogPrefix,
		},
	)
	if err != nil {
		panic(err)
	}

	err = p.Start(context.Background())
	if err != nil {
		panic(err)
	}
	if !p.WaitForConnection(c.GetConnectTimeout()) {
		log.Printf("%s: service not reachable", c.LogPrefix)
	}

	_, err = p.SynchronizeSettings(
		func(info *message.ConfigCheckInfo) {
			log.Printf(
				"%s: SynchronizeSettings: result=%s, checkedAt=%s",
				c.LogPrefix,
				info.Result,
				time.UnixMilli(info.CheckedAt).Format(time.RFC3339),
			)
		},
	)
	if err != nil {
		log.Printf("%s: SynchronizeSettings not sent, err=%s", c.LogPrefix, err.Error())
	}

	_, err = p.RequestConfiguration(
		func(snapshot *message.ConfigurationSnapshot) {
			log.Printf("%s: RequestConfiguration: %s", c.LogPrefix, describeSnapshot(snapshot))
		},
	)
	if err != nil {
		log.Printf("%s: RequestConfiguration not sent, err=%s", c.LogPrefix, err.Error())
	}

	waitForSignal(c.LogPrefix)

	p.Close()
}

func main() {
	// enable microsecond and file line logging
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	if len(os.Args) <= 1 {
		log.Printf("usage: %s service|console [config.yaml]", os.Args[0])
		os.Exit(2)
	}

	mode := os.Args[1]
	path := ""
	if len(os.Args) > 2 {
		path = os.Args[2]
	}

	c, err := config.Load(path)
	if err != nil {
		os.Exit(1)
	}
	if c.Instance == "service" && mode == "console" {
		c.Instance = mode
		c.LogPrefix = mode
	}

	switch mode {
	case "service":
		runService(c)
	case "console":
		runConsole(c)
	default:
		log.Printf("unknown mode %q, must be service or console", mode)
		os.Exit(2)
	}
}
