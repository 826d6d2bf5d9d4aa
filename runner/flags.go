package runner

import (
	"errors"
	"flag"
	"time"

	"github.com/mlweave/loom/plan"
	"github.com/mlweave/loom/plan/hostfile"
	"github.com/mlweave/loom/utils"
)

// FlagSet holds the command line of loom-run.
type FlagSet struct {
	ClusterSize int
	hostList    string
	hostFile    string
	HostList    plan.HostList

	User string

	PortRange plan.PortRange

	Self       string
	NIC        string
	Timeout    time.Duration
	VerboseLog bool

	Logfile string
	LogDir  string
	Quiet   bool

	Prog string
	Args []string
}

func Init(f *FlagSet, args []string) {
	if err := f.Parse(args); err != nil {
		utils.ExitErr(err)
	}
	if !f.Quiet {
		utils.LogArgs()
		utils.LogEnvWithPrefix(`LOOM_`, `env`)
	}
}

func (f *FlagSet) Register(flag *flag.FlagSet) {
	flag.IntVar(&f.ClusterSize, "np", 1, "number of worker processes")
	flag.StringVar(&f.hostList, "H", plan.DefaultHostList.String(), "comma separated list of <internal IP>[:<nslots>[:<public addr>]]")
	flag.StringVar(&f.hostFile, "hostfile", "", "path to hostfile, will override -H if specified")

	flag.StringVar(&f.User, "u", "", "user name for ssh")

	f.PortRange = plan.DefaultPortRange
	flag.Var(&f.PortRange, "port-range", "port range for the workers")

	flag.StringVar(&f.Self, "self", "", "internal IPv4 of this host")
	flag.StringVar(&f.NIC, "nic", "", "network interface name, for infer self IP")
	flag.DurationVar(&f.Timeout, "timeout", 0, "timeout for the whole run")
	flag.BoolVar(&f.VerboseLog, "v", true, "show worker log")

	flag.StringVar(&f.Logfile, "logfile", "", "path to launcher log file")
	flag.StringVar(&f.LogDir, "logdir", "", "path to worker log dir")
	flag.BoolVar(&f.Quiet, "q", false, "don't log debug info")
}

var errMissingProgramName = errors.New("missing program name")

func (f *FlagSet) Parse(args []string) error {
	commandLine := flag.NewFlagSet(args[0], flag.ExitOnError)
	f.Register(commandLine)
	commandLine.Parse(args[1:])
	if err := f.resolveHostList(); err != nil {
		return err
	}
	rest := commandLine.Args()
	if len(rest) < 1 {
		return errMissingProgramName
	}
	f.Prog = rest[0]
	f.Args = rest[1:]
	return nil
}

func (f *FlagSet) resolveHostList() error {
	if len(f.hostFile) > 0 {
		hl, err := hostfile.ParseFile(f.hostFile)
		if err != nil {
			return err
		}
		f.HostList = hl
		return nil
	}
	hl, err := plan.ParseHostList(f.hostList)
	if err != nil {
		return err
	}
	f.HostList = hl
	return nil
}
