package notifiers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/scheduler"
	"github.com/supporttools/pingu/pkg/types"
)

// UnifiPoeType is the configuration type name of the PoE power-cycle notifier.
const UnifiPoeType = "UnifiPoe"

// powerCycleScript drives the switch CLI through its local telnet console.
const powerCycleScript = `(echo "enable" ; echo "configure" ; echo "interface %s" ; ` +
	`echo "poe opmode shutdown" ; echo "poe opmode auto" ; ` +
	`echo "exit" ; echo "exit" ; echo "exit") | telnet localhost 23 ; exit;`

var interfacePattern = regexp.MustCompile(`^[A-Za-z0-9/._-]+$`)

// UnifiPoeOptions configures the PoE power-cycle notifier.
type UnifiPoeOptions struct {
	SSHHost     string `yaml:"ssh_host"`
	SSHPort     int    `yaml:"ssh_port"`
	SSHUsername string `yaml:"ssh_username"`
	SSHPassword string `yaml:"ssh_password"`

	// KnownHosts is an OpenSSH known_hosts file used to verify the switch.
	// Host keys are not verified when it is empty.
	KnownHosts string `yaml:"known_hosts"`

	// Delay is how long a device must stay OFFLINE before its port is cycled.
	Delay types.Duration `yaml:"delay"`

	// Interfaces maps a device host to its switch port.
	Interfaces map[string]string `yaml:"interfaces"`

	DialTimeout types.Duration `yaml:"dial_timeout"`
}

// powerCycleFunc runs the power cycle for one switch port.
type powerCycleFunc func(ctx context.Context, iface string) error

// UnifiPoe power-cycles the PoE port of a device that stays OFFLINE for the
// configured delay. An ONLINE notification before the delay elapses cancels
// the pending cycle. Hosts without a mapped port are ignored.
type UnifiPoe struct {
	opts   UnifiPoeOptions
	sched  *scheduler.Scheduler
	cycle  powerCycleFunc
	client *ssh.ClientConfig
	log    *logrus.Entry
}

// NewUnifiPoe is the factory registered for UnifiPoeType.
func NewUnifiPoe(ctx context.Context, env plugins.Env, options map[string]interface{}) (types.Notifier, error) {
	opts := UnifiPoeOptions{
		SSHPort:     22,
		Delay:       types.Duration(60 * time.Second),
		DialTimeout: types.Duration(10 * time.Second),
	}
	if err := plugins.DecodeOptions(plugins.CapabilityNotifier, UnifiPoeType, options, &opts); err != nil {
		return nil, err
	}
	for field, value := range map[string]string{
		"ssh_host":     opts.SSHHost,
		"ssh_username": opts.SSHUsername,
		"ssh_password": opts.SSHPassword,
	} {
		if err := plugins.RequireField(plugins.CapabilityNotifier, UnifiPoeType, field, value); err != nil {
			return nil, err
		}
	}
	if len(opts.Interfaces) == 0 {
		return nil, plugins.FieldError(plugins.CapabilityNotifier, UnifiPoeType, "interfaces", plugins.ErrMissingField)
	}
	for host, iface := range opts.Interfaces {
		if !interfacePattern.MatchString(iface) {
			return nil, plugins.FieldError(plugins.CapabilityNotifier, UnifiPoeType, "interfaces",
				fmt.Errorf("invalid interface %q for host %s", iface, host))
		}
	}
	if opts.Delay < 0 {
		return nil, plugins.FieldError(plugins.CapabilityNotifier, UnifiPoeType, "delay", errors.New("cannot be negative"))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if opts.KnownHosts != "" {
		callback, err := knownhosts.New(opts.KnownHosts)
		if err != nil {
			return nil, plugins.FieldError(plugins.CapabilityNotifier, UnifiPoeType, "known_hosts", err)
		}
		hostKeyCallback = callback
	}

	log := logger.Component(UnifiPoeType).WithField("switch", opts.SSHHost)
	if opts.KnownHosts == "" {
		log.Warn("known_hosts not set, the switch host key will not be verified")
	}

	n := &UnifiPoe{
		opts:  opts,
		sched: scheduler.New(UnifiPoeType+"/"+opts.SSHHost, env.Metrics),
		client: &ssh.ClientConfig{
			User:            opts.SSHUsername,
			Auth:            []ssh.AuthMethod{ssh.Password(opts.SSHPassword)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         opts.DialTimeout.Std(),
		},
		log: log,
	}
	n.cycle = n.powerCycle
	return n, nil
}

// Notify implements types.Notifier.
func (n *UnifiPoe) Notify(ctx context.Context, result types.CheckResult) types.Outcome {
	iface, ok := n.opts.Interfaces[result.Host]
	if !ok {
		return types.Success()
	}
	log := n.log.WithFields(logrus.Fields{"device": result.Name, "interface": iface})

	switch result.State {
	case types.StateOnline:
		if n.sched.Cancel(iface) {
			log.Info("Device back online, power cycle cancelled")
		}
	case types.StateOffline:
		scheduled := n.sched.Schedule(iface, n.opts.Delay.Std(), func(ctx context.Context) error {
			return n.cycle(ctx, iface)
		})
		switch {
		case scheduled:
			log.WithField("delay", n.opts.Delay.Std()).Info("Power cycle scheduled")
		case n.sched.Running(iface):
			log.Debug("Power cycle in progress")
		default:
			if due, ok := n.sched.Due(iface); ok {
				log = log.WithField("due", due.Format(time.RFC3339))
			}
			log.Debug("Power cycle already pending")
		}
	}
	return types.Success()
}

// RecoveryHosts returns the mapped hosts. Their devices must subscribe to
// ONLINE for a recovery to cancel a pending power cycle.
func (n *UnifiPoe) RecoveryHosts() []string {
	hosts := make([]string, 0, len(n.opts.Interfaces))
	for host := range n.opts.Interfaces {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Pending reports whether a power cycle is waiting for iface.
func (n *UnifiPoe) Pending(iface string) bool {
	return n.sched.Pending(iface)
}

// Command returns the shell command run on the switch for iface.
func Command(iface string) string {
	return fmt.Sprintf(powerCycleScript, iface)
}

func (n *UnifiPoe) powerCycle(ctx context.Context, iface string) error {
	addr := net.JoinHostPort(n.opts.SSHHost, strconv.Itoa(n.opts.SSHPort))

	dialer := net.Dialer{Timeout: n.client.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, n.client)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	n.log.WithField("interface", iface).Info("Power cycling interface")
	output, err := session.CombinedOutput(Command(iface))
	if out := strings.TrimSpace(string(output)); out != "" {
		n.log.WithField("interface", iface).Debug(out)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("power cycle of %s failed: %w", iface, err)
	}
	return nil
}

// Close cancels pending power cycles and waits for a running one.
func (n *UnifiPoe) Close() error {
	return n.sched.Close()
}
