package state

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/lox/helpers"
	lox_config "github.com/temoto/lox/lox/config"
	"github.com/temoto/lox/log2"
	"github.com/temoto/lox/sink"
	"github.com/temoto/lox/state/persist"
)

// Environment overrides, applied after all config sources.
const (
	EnvAddress  = "LOX_ADDRESS"
	EnvUser     = "LOX_USER"
	EnvPassword = "LOX_PASSWORD"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Lox     lox_config.Config `hcl:"lox"`
	Sink    sink.Config       `hcl:"sink"`
	Metrics struct {
		Listen    string `hcl:"listen"`
		Path      string `hcl:"path"`
		Namespace string `hcl:"namespace"`
	} `hcl:"metrics"`
	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`
	// Structure is local LoxAPP3.json copy for offline decoding.
	Structure struct {
		Path string `hcl:"path"`
	} `hcl:"structure"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// ApplyEnv overrides controller address and credentials.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if s, ok := lookup(EnvAddress); ok {
		c.Lox.Address = s
	}
	if s, ok := lookup(EnvUser); ok {
		c.Lox.User = s
	}
	if s, ok := lookup(EnvPassword); ok {
		c.Lox.Password = s
	}
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		// content is not logged, it contains password
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order, later sources override earlier.
// Then environment overrides are applied and empty client_uuid is generated.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	return readConfig(log, fs, os.LookupEnv, names...)
}

func readConfig(log *log2.Log, fs FullReader, lookupEnv func(string) (string, bool), names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if lookupEnv != nil {
		c.ApplyEnv(lookupEnv)
	}
	if c.Lox.ClientUUID == "" {
		if err := c.ensureClientUUID(log); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

// ensureClientUUID reuses identity from persist.root or generates new one.
func (c *Config) ensureClientUUID(log *log2.Log) error {
	id := &clientIdentity{}
	var p persist.Persist
	if err := p.Init("client", id, c.Persist.Root, c.Persist.Root != "", log); err != nil {
		return errors.Annotate(err, "config persist.root")
	}
	ok, err := p.Load()
	if err != nil {
		log.Errorf("client identity err=%v", err)
	}
	if !ok {
		id.uuid = uuid.New()
		log.Infof("config lox.client_uuid is empty, generated=%s", id.uuid)
		if err := p.Store(); err != nil {
			return err
		}
	}
	c.Lox.ClientUUID = id.uuid.String()
	return nil
}

type clientIdentity struct{ uuid uuid.UUID }

func (ci *clientIdentity) MarshalBinary() ([]byte, error) { return ci.uuid.MarshalBinary() }
func (ci *clientIdentity) UnmarshalBinary(b []byte) error {
	return errors.Annotate(ci.uuid.UnmarshalBinary(b), "client identity")
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
