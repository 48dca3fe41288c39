// Command berrydb inspects BerryDB store files: create stores, print their
// headers, and hex-dump pages through the page pool.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/berrydb/berrydb"
	"github.com/berrydb/berrydb/internal/config"
)

var cli struct {
	Config    string `help:"Path to a yaml config file." type:"path"`
	PageShift uint   `help:"Base-2 log of the page size." default:"12"`
	PoolSize  int    `help:"Page cache capacity, in frames." default:"128"`
	Verbose   bool   `short:"v" help:"Enable debug logging."`

	Create CreateCmd `cmd:"" help:"Create an empty store."`
	Info   InfoCmd   `cmd:"" help:"Print a store's header."`
	Dump   DumpCmd   `cmd:"" help:"Hex-dump one page of a store."`
	Stats  StatsCmd  `cmd:"" help:"Print page pool statistics after touching a store."`
}

type app struct {
	pool *berrydb.Pool
	lg   *zap.Logger
}

func newApp() (*app, error) {
	lg := zap.NewNop()
	if cli.Verbose {
		var err error
		if lg, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}

	opts := berrydb.Options{
		PageShift: cli.PageShift,
		PoolSize:  cli.PoolSize,
		Logger:    lg,
	}
	if cli.Config != "" {
		cfg, err := config.Load(cli.Config)
		if err != nil {
			return nil, err
		}
		opts.PageShift = cfg.Pool.PageShift
		opts.PoolSize = cfg.Pool.PoolSize
	}

	return &app{pool: berrydb.New(opts), lg: lg}, nil
}

type CreateCmd struct {
	Path string `arg:"" help:"Store data file to create." type:"path"`
}

func (c *CreateCmd) Run(a *app) error {
	s, err := a.pool.OpenStore(c.Path, berrydb.StoreOptions{Create: true})
	if err != nil {
		return err
	}
	fmt.Printf("created %s (page size %d)\n", c.Path, a.pool.PageSize())
	return s.Close()
}

type InfoCmd struct {
	Path string `arg:"" help:"Store data file." type:"path"`
}

func (c *InfoCmd) Run(a *app) error {
	s, err := a.pool.OpenStore(c.Path, berrydb.StoreOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	fmt.Printf("store:      %s\n", s.Path())
	fmt.Printf("page size:  %d\n", a.pool.PageSize())
	fmt.Printf("page count: %d\n", s.PageCount())
	return nil
}

type DumpCmd struct {
	Path string `arg:"" help:"Store data file." type:"path"`
	Page string `arg:"" help:"Page id to dump."`
}

func (c *DumpCmd) Run(a *app) error {
	id, err := strconv.ParseUint(c.Page, 10, 32)
	if err != nil {
		return fmt.Errorf("bad page id %q: %w", c.Page, err)
	}

	s, err := a.pool.OpenStore(c.Path, berrydb.StoreOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if id >= s.PageCount() {
		return fmt.Errorf("page %d out of range (store has %d pages)", id, s.PageCount())
	}

	pp := a.pool.PagePool()
	f, err := pp.StorePage(s, berrydb.PageID(id), berrydb.FetchData)
	if err != nil {
		return err
	}
	fmt.Print(hex.Dump(f.Data()))
	pp.UnpinStorePage(f)
	return nil
}

type StatsCmd struct {
	Path string `arg:"" help:"Store data file." type:"path"`
}

func (c *StatsCmd) Run(a *app) error {
	s, err := a.pool.OpenStore(c.Path, berrydb.StoreOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	pp := a.pool.PagePool()
	for id := berrydb.PageID(0); uint64(id) < s.PageCount(); id++ {
		f, err := pp.StorePage(s, id, berrydb.FetchData)
		if err != nil {
			return err
		}
		pp.UnpinStorePage(f)
	}

	fmt.Printf("capacity:   %d\n", pp.Capacity())
	fmt.Printf("allocated:  %d\n", pp.AllocatedFrames())
	fmt.Printf("unused:     %d\n", pp.UnusedFrames())
	fmt.Printf("pinned:     %d\n", pp.PinnedFrames())
	return nil
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("berrydb"),
		kong.Description("BerryDB store inspection tool."),
		kong.UsageOnError(),
	)

	a, err := newApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, "berrydb:", err)
		os.Exit(1)
	}
	defer func() { _ = a.pool.Close() }()

	if err := ctx.Run(a); err != nil {
		fmt.Fprintln(os.Stderr, "berrydb:", err)
		os.Exit(1)
	}
}
