package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/kunal-geeks/ecstripe/internal/ecutil"
)

var layoutCmd = &cli.Command{
	Name:  "layout",
	Usage: "Show the shard extents behind an object byte range",
	Flags: []cli.Flag{
		&cli.Uint64Flag{Name: "offset", Usage: "object offset"},
		&cli.Uint64Flag{Name: "length", Required: true, Usage: "range length"},
		&cli.BoolFlag{Name: "parity", Usage: "include the parity extents a write would touch"},
	},
	Action: func(c *cli.Context) error {
		_, sinfo, err := configFrom(c).Profile.NewCode()
		if err != nil {
			return err
		}
		off, length := c.Uint64("offset"), c.Uint64("length")
		set := ecutil.NewShardExtentSet(sinfo.KPlusM())
		if c.Bool("parity") {
			sinfo.RORangeToShardExtentSetWithParity(off, length, set)
		} else {
			sinfo.RORangeToShardExtentSet(off, length, set)
		}

		w := c.App.Writer
		fmt.Fprintln(w, sinfo)
		for shard, eset := range set.All() {
			kind := "data"
			if !sinfo.IsDataShard(shard) {
				kind = "parity"
			}
			fmt.Fprintf(w, "shard %d (%s, raw %d): %s\n", shard, kind, sinfo.RawShard(shard), eset)
		}
		fmt.Fprintf(w, "total %d bytes on %d shards\n", set.Size(), set.Len())
		return nil
	},
}

var putCmd = &cli.Command{
	Name:      "put",
	Usage:     "Store a file as a new object and print its id",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "object name (defaults to the file name)"},
	},
	Action: func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			return fmt.Errorf("put: missing file argument")
		}
		store, err := openStore(c)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("put: open: %w", err)
		}
		defer f.Close()

		name := c.String("name")
		if name == "" {
			name = filepath.Base(path)
		}
		meta, err := store.Put(c.Context, name, bufio.NewReader(f))
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, meta.ID)
		return nil
	},
}

var appendCmd = &cli.Command{
	Name:      "append",
	Usage:     "Append a file to an object",
	ArgsUsage: "<object-id> <file>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return fmt.Errorf("append: want <object-id> <file>")
		}
		store, err := openStore(c)
		if err != nil {
			return err
		}
		f, err := os.Open(c.Args().Get(1))
		if err != nil {
			return fmt.Errorf("append: open: %w", err)
		}
		defer f.Close()

		meta, err := store.Append(c.Context, c.Args().First(), bufio.NewReader(f))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s %d\n", meta.ID, meta.Size)
		return nil
	},
}

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "Read an object, reconstructing lost shards",
	ArgsUsage: "<object-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file (default stdout)"},
		&cli.Uint64Flag{Name: "offset", Usage: "start reading at this offset"},
		&cli.Uint64Flag{Name: "length", Usage: "read at most this many bytes (0 for all)"},
	},
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		store, err := openStore(c)
		if err != nil {
			return err
		}

		var w io.Writer = c.App.Writer
		if out := c.String("out"); out != "" {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("get: create: %w", err)
			}
			defer f.Close()
			w = f
		}

		off, length := c.Uint64("offset"), c.Uint64("length")
		if off == 0 && length == 0 {
			return store.Get(c.Context, id, w)
		}
		if length == 0 {
			meta, err := store.Stat(id)
			if err != nil {
				return err
			}
			length = meta.Size
		}
		buf, err := store.ReadAt(id, off, length)
		if err != nil {
			return err
		}
		_, err = w.Write(buf)
		return err
	},
}

var statCmd = &cli.Command{
	Name:      "stat",
	Usage:     "Print object metadata as JSON",
	ArgsUsage: "<object-id>",
	Action: func(c *cli.Context) error {
		store, err := openStore(c)
		if err != nil {
			return err
		}
		meta, err := store.Stat(c.Args().First())
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, string(out))
		return nil
	},
}

var hinfoCmd = &cli.Command{
	Name:      "hinfo",
	Usage:     "Dump the per-shard hash info of an object",
	ArgsUsage: "<object-id>",
	Action: func(c *cli.Context) error {
		store, err := openStore(c)
		if err != nil {
			return err
		}
		meta, err := store.Stat(c.Args().First())
		if err != nil {
			return err
		}
		h, err := meta.HashInfo()
		if err != nil {
			return err
		}
		out, err := h.Dump()
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, string(out))
		return nil
	},
}

var verifyCmd = &cli.Command{
	Name:      "verify",
	Usage:     "Check every shard of an object against its hash info",
	ArgsUsage: "<object-id>",
	Action: func(c *cli.Context) error {
		store, err := openStore(c)
		if err != nil {
			return err
		}
		id := c.Args().First()
		if err := store.Verify(c.Context, id); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s ok\n", id)
		return nil
	},
}

var repairCmd = &cli.Command{
	Name:      "repair",
	Usage:     "Rebuild missing or corrupt shards of an object",
	ArgsUsage: "<object-id>",
	Action: func(c *cli.Context) error {
		store, err := openStore(c)
		if err != nil {
			return err
		}
		id := c.Args().First()
		repaired, err := store.Repair(c.Context, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s repaired shards %v\n", id, repaired)
		return nil
	},
}

var listCmd = &cli.Command{
	Name:  "list",
	Usage: "List all objects",
	Action: func(c *cli.Context) error {
		store, err := openStore(c)
		if err != nil {
			return err
		}
		all, err := store.List()
		if err != nil {
			return err
		}
		for _, meta := range all {
			fmt.Fprintf(c.App.Writer, "%s\t%d\t%s\n", meta.ID, meta.Size, meta.Name)
		}
		return nil
	},
}

var rmCmd = &cli.Command{
	Name:      "rm",
	Usage:     "Delete an object and its shards",
	ArgsUsage: "<object-id>",
	Action: func(c *cli.Context) error {
		store, err := openStore(c)
		if err != nil {
			return err
		}
		return store.Delete(c.Args().First())
	},
}
