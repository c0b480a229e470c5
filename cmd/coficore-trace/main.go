package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"coficore/cofi"

	cli "github.com/urfave/cli/v2"
)

func loadImage(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}

func parseTNT(s string) ([]cofi.TNTResult, error) {
	bits := make([]cofi.TNTResult, 0, len(s))
	for _, c := range s {
		switch c {
		case 'T', 't', '1':
			bits = append(bits, cofi.Taken)
		case 'N', 'n', '0':
			bits = append(bits, cofi.NotTaken)
		case ' ', ',':
			continue
		default:
			return nil, fmt.Errorf("unrecognized TNT character %q", c)
		}
	}
	return bits, nil
}

func runTrace(c *cli.Context) error {
	imagePath := c.String("image")
	if imagePath == "" {
		return cli.Exit("no image provided", 1)
	}
	image, err := loadImage(imagePath)
	if err != nil {
		return cli.Exit(err, 1)
	}

	base, err := parseHex(c.String("base"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("could not parse base: %v", err), 1)
	}
	entry, err := parseHex(c.String("entry"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("could not parse entry: %v", err), 1)
	}
	maxAddr := base + uint64(len(image)) - 1
	if s := c.String("max"); s != "" {
		maxAddr, err = parseHex(s)
		if err != nil {
			return cli.Exit(fmt.Sprintf("could not parse max: %v", err), 1)
		}
	}

	mem := cofi.NewFlatMemoryView(cofi.IP(base), image)
	sess, err := cofi.Open(mem, cofi.IP(base), cofi.IP(maxAddr), cofi.WithWordWidth(c.Int("word")))
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer sess.Close()

	bits, err := parseTNT(c.String("tnt"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	tnt := cofi.NewSliceTNTSource(bits)

	count := 0
	collect := func(ip cofi.IP) {
		count++
		fmt.Printf("%s\n", ip)
	}

	clean, err := sess.Trace(cofi.IP(entry), tnt, collect)
	if err != nil {
		return cli.Exit(err, 1)
	}

	// A clean stop at an indirect branch or near ret leaves a hint pending;
	// --target supplies the out-of-band resolution and resumes the walk
	// from there, the way the surrounding fuzzer would on the next PT
	// target-IP packet.
	if target := c.String("target"); target != "" {
		t, err := parseHex(target)
		if err != nil {
			return cli.Exit(fmt.Sprintf("could not parse target: %v", err), 1)
		}
		sess.InformTargetIP(cofi.IP(t))
		clean, err = sess.Trace(cofi.IP(t), tnt, collect)
		if err != nil {
			return cli.Exit(err, 1)
		}
	}
	sess.Flush()
	fmt.Fprintf(os.Stderr, "%d addresses emitted, clean=%v\n", count, clean)
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "coficore-trace"
	app.Usage = "Replay an Intel PT-style TNT stream against a flat binary image"
	app.Action = func(c *cli.Context) error {
		cli.ShowAppHelp(c)
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:   "trace",
			Usage:  "Reconstruct and print the executed instruction addresses for one trace",
			Action: runTrace,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "image", Usage: "path to a flat binary code image"},
				&cli.StringFlag{Name: "base", Value: "0x400000", Usage: "guest address of image[0]"},
				&cli.StringFlag{Name: "max", Usage: "highest monitored address (default: end of image)"},
				&cli.StringFlag{Name: "entry", Usage: "guest address to start tracing from"},
				&cli.StringFlag{Name: "tnt", Usage: "taken/not-taken stream, e.g. TTNT"},
				&cli.StringFlag{Name: "target", Usage: "out-of-band target for one indirect branch or near ret"},
				&cli.IntFlag{Name: "word", Value: 64, Usage: "decode mode: 32 or 64"},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
