package main

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/signal"
	"path"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"

	"umbrella"
	"umbrella/fusefs"
)

var errNoSession = errors.Wrap(umbrella.ErrSessionClosed, "no filesystem mounted")

// shell is the state kept between commands: the mounted session and the working
// directory. One-shot invocations start with no session.
type shell struct {
	cfg         *Config
	session     *umbrella.Session
	cwd         string
	out         io.Writer
	in          io.Reader
	interactive bool
	quit        bool
}

func newShell(out io.Writer, in io.Reader) *shell {
	return &shell{cwd: "/", out: out, in: in}
}

func (sh *shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(sh.out, format, args...)
}

func (sh *shell) resolve(p string) string {
	if p == "" {
		return sh.cwd
	}
	if !path.IsAbs(p) {
		p = path.Join(sh.cwd, p)
	}
	return path.Clean(p)
}

// withSession runs fn against the mounted session. Outside the interactive shell
// the configured device is mounted for the duration of the command.
func (sh *shell) withSession(fn func(s *umbrella.Session, ctx *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		if sh.session != nil {
			return fn(sh.session, ctx)
		}
		if sh.interactive || sh.cfg.Device == "" {
			return errNoSession
		}
		s, err := umbrella.MountPath(sh.cfg.Device)
		if err != nil {
			return err
		}
		err = fn(s, ctx)
		if uerr := s.Unmount(); uerr != nil && err == nil {
			err = uerr
		}
		return err
	}
}

func (sh *shell) parent(s *umbrella.Session, p string) (umbrella.Ino, string, error) {
	abs := sh.resolve(p)
	dir, err := s.Walk(path.Dir(abs))
	if err != nil {
		return 0, "", err
	}
	return dir, path.Base(abs), nil
}

func arg(ctx *cli.Context, i int, what string) (string, error) {
	if ctx.NArg() <= i {
		return "", errors.Errorf("%s: missing %s", ctx.Command.Name, what)
	}
	return ctx.Args().Get(i), nil
}

func newApp(sh *shell) *cli.App {
	app := &cli.App{
		Name:  appName,
		Usage: "a shell for umbrella filesystems",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "yaml config file (default ~/.beach.yaml)"},
			&cli.StringFlag{Name: "device", Aliases: []string{"d"}, Usage: "device file `<name>.<blocksize>.dev`"},
			&cli.StringFlag{Name: "log-level", Usage: "logrus level"},
			&cli.BoolFlag{Name: "debug", Usage: "shorthand for --log-level debug"},
			&cli.StringFlag{Name: "prompt", Usage: "interactive prompt"},
		},
		Before: func(ctx *cli.Context) error {
			if sh.cfg == nil {
				cfg, err := LoadConfig(ctx.String("config"))
				if err != nil {
					return err
				}
				sh.cfg = cfg
			}
			if ctx.IsSet("device") {
				sh.cfg.Device = ctx.String("device")
			}
			if ctx.IsSet("log-level") {
				sh.cfg.LogLevel = ctx.String("log-level")
			}
			if ctx.Bool("debug") {
				sh.cfg.LogLevel = "debug"
			}
			if ctx.IsSet("prompt") {
				sh.cfg.Prompt = ctx.String("prompt")
			}
			if err := sh.cfg.Validate(); err != nil {
				return err
			}
			level, _ := logrus.ParseLevel(sh.cfg.LogLevel)
			logrus.SetLevel(level)
			return nil
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() > 0 {
				return errors.Errorf("unknown command %q", ctx.Args().First())
			}
			if sh.interactive {
				return nil
			}
			return sh.repl(ctx.App)
		},
		ExitErrHandler: func(*cli.Context, error) {},
		Writer:         sh.out,
		ErrWriter:      sh.out,
	}
	app.Commands = []*cli.Command{{
		Name:  "shell",
		Usage: "read commands from standard input",
		Action: func(ctx *cli.Context) error {
			if sh.interactive {
				return nil
			}
			return sh.repl(ctx.App)
		},
	}, {
		Name:      "newfs",
		Usage:     "format a device file",
		ArgsUsage: "<name>.<blocksize>.dev",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "blocks", Aliases: []string{"n"}, Usage: "device size in blocks"},
			&cli.UintFlag{Name: "inodes", Aliases: []string{"c"}, Usage: "inode table size"},
		},
		Action: sh.newfs,
	}, {
		Name:      "mount",
		Usage:     "mount a device file for the following commands",
		ArgsUsage: "[device]",
		Action: func(ctx *cli.Context) error {
			if sh.session != nil {
				return errors.New("a filesystem is already mounted")
			}
			dev := sh.cfg.Device
			if ctx.NArg() > 0 {
				dev = ctx.Args().First()
			}
			if dev == "" {
				return errors.New("mount: no device")
			}
			s, err := umbrella.MountPath(dev)
			if err != nil {
				return err
			}
			if !s.CleanMount() {
				sh.printf("warning: %s was not cleanly unmounted\n", dev)
			}
			sh.session = s
			sh.cfg.Device = dev
			sh.cwd = "/"
			return nil
		},
	}, {
		Name:  "unmount",
		Usage: "flush and release the mounted filesystem",
		Action: func(ctx *cli.Context) error {
			if sh.session == nil {
				return errNoSession
			}
			err := sh.session.Unmount()
			sh.session = nil
			sh.cwd = "/"
			return err
		},
	}, {
		Name:  "flush",
		Usage: "write the superblock and block bitmap",
		Action: sh.withSession(func(s *umbrella.Session, ctx *cli.Context) error {
			return s.Flush()
		}),
	}, {
		Name:  "blockmap",
		Usage: "show block allocation",
		Action: sh.withSession(func(s *umbrella.Session, ctx *cli.Context) error {
			bm, err := s.BlockMap()
			if err != nil {
				return err
			}
			sh.printf("%s%d/%d blocks used, %d free\n", bm.String(), bm.UsedCount(), bm.Len(), bm.FreeCount())
			return nil
		}),
	}, {
		Name:  "inodemap",
		Usage: "show inode table usage",
		Action: sh.withSession(func(s *umbrella.Session, ctx *cli.Context) error {
			m, err := s.InodeMap()
			if err != nil {
				return err
			}
			sh.printf("%s%d/%d inodes free\n", m.String(), m.FreeCount(), len(m))
			return nil
		}),
	}, {
		Name:   "info",
		Usage:  "show the superblock as yaml",
		Action: sh.withSession(sh.info),
	}, {
		Name:      "ls",
		Usage:     "list a directory",
		ArgsUsage: "[path]",
		Action:    sh.withSession(sh.ls),
	}, {
		Name:      "touch",
		Usage:     "create an empty file",
		ArgsUsage: "<path>",
		Action: sh.withSession(func(s *umbrella.Session, ctx *cli.Context) error {
			p, err := arg(ctx, 0, "path")
			if err != nil {
				return err
			}
			_, err = sh.create(s, p, umbrella.TypeFile)
			if errors.Is(err, umbrella.ErrNameExists) {
				ino, werr := s.Walk(sh.resolve(p))
				if werr != nil {
					return werr
				}
				in, serr := s.Stat(ino)
				if serr != nil {
					return serr
				}
				if !in.IsDir() {
					return nil
				}
			}
			return err
		}),
	}, {
		Name:      "mkdir",
		Usage:     "create a directory",
		ArgsUsage: "<path>",
		Action: sh.withSession(func(s *umbrella.Session, ctx *cli.Context) error {
			p, err := arg(ctx, 0, "path")
			if err != nil {
				return err
			}
			_, err = sh.create(s, p, umbrella.TypeDirectory)
			return err
		}),
	}, {
		Name:      "write",
		Usage:     "write text or a host file into a file, creating it if needed",
		ArgsUsage: "[--offset N | --append] [--from FILE] <path> [text...]",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "offset", Aliases: []string{"o"}, Usage: "byte offset"},
			&cli.BoolFlag{Name: "append", Aliases: []string{"a"}, Usage: "write at the end of the file"},
			&cli.StringFlag{Name: "from", Aliases: []string{"f"}, Usage: "read the data from a host file"},
		},
		Action: sh.withSession(sh.write),
	}, {
		Name:      "cat",
		Usage:     "print a file",
		ArgsUsage: "<path>",
		Action: sh.withSession(func(s *umbrella.Session, ctx *cli.Context) error {
			p, err := arg(ctx, 0, "path")
			if err != nil {
				return err
			}
			ino, err := s.Walk(sh.resolve(p))
			if err != nil {
				return err
			}
			in, err := s.Stat(ino)
			if err != nil {
				return err
			}
			data, err := s.Read(ino, 0, in.Size)
			if err != nil {
				return err
			}
			_, err = sh.out.Write(data)
			return err
		}),
	}, {
		Name:      "rm",
		Usage:     "remove a file or an empty directory",
		ArgsUsage: "<path>",
		Action: sh.withSession(func(s *umbrella.Session, ctx *cli.Context) error {
			p, err := arg(ctx, 0, "path")
			if err != nil {
				return err
			}
			dir, name, err := sh.parent(s, p)
			if err != nil {
				return err
			}
			return s.Delete(dir, name)
		}),
	}, {
		Name:      "stat",
		Usage:     "show an inode",
		ArgsUsage: "<path>",
		Action: sh.withSession(func(s *umbrella.Session, ctx *cli.Context) error {
			p, err := arg(ctx, 0, "path")
			if err != nil {
				return err
			}
			ino, err := s.Walk(sh.resolve(p))
			if err != nil {
				return err
			}
			in, err := s.Stat(ino)
			if err != nil {
				return err
			}
			sh.printf("inode:  %d\ntype:   %s\nsize:   %d\nblocks: %v\nctime:  %s\nmtime:  %s\n",
				in.Ino, in.Type, in.Size, in.Blocks, in.Ctime.Format(timeLayout), in.Mtime.Format(timeLayout))
			return nil
		}),
	}, {
		Name:      "truncate",
		Usage:     "set the size of a file",
		ArgsUsage: "<path> <size>",
		Action: sh.withSession(func(s *umbrella.Session, ctx *cli.Context) error {
			p, err := arg(ctx, 0, "path")
			if err != nil {
				return err
			}
			sz, err := arg(ctx, 1, "size")
			if err != nil {
				return err
			}
			size, err := strconv.ParseUint(sz, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "truncate: size %q", sz)
			}
			ino, err := s.Walk(sh.resolve(p))
			if err != nil {
				return err
			}
			return s.Truncate(ino, size)
		}),
	}, {
		Name:      "cd",
		Usage:     "change the working directory",
		ArgsUsage: "[path]",
		Action: sh.withSession(func(s *umbrella.Session, ctx *cli.Context) error {
			target := sh.resolve(ctx.Args().First())
			if ctx.NArg() == 0 {
				target = "/"
			}
			ino, err := s.Walk(target)
			if err != nil {
				return err
			}
			in, err := s.Stat(ino)
			if err != nil {
				return err
			}
			if !in.IsDir() {
				return errors.Wrapf(umbrella.ErrNotADirectory, "cd %s", target)
			}
			sh.cwd = target
			return nil
		}),
	}, {
		Name:  "pwd",
		Usage: "print the working directory",
		Action: func(ctx *cli.Context) error {
			sh.printf("%s\n", sh.cwd)
			return nil
		},
	}, {
		Name:      "fuse",
		Usage:     "serve the filesystem through FUSE until interrupted",
		ArgsUsage: "<mountpoint>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "log FUSE traffic"},
		},
		Action: sh.withSession(func(s *umbrella.Session, ctx *cli.Context) error {
			mnt, err := arg(ctx, 0, "mountpoint")
			if err != nil {
				return err
			}
			server, err := fusefs.Serve(s, mnt, sh.cfg.FuseDebug || ctx.Bool("debug"))
			if err != nil {
				return errors.Wrapf(err, "fuse mount %s", mnt)
			}
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)
			sh.printf("serving on %s, interrupt to stop\n", mnt)
			<-sigs
			if err := server.Unmount(); err != nil {
				return errors.Wrapf(err, "fuse unmount %s", mnt)
			}
			return s.Flush()
		}),
	}, {
		Name:    "exit",
		Aliases: []string{"quit"},
		Usage:   "leave the shell, unmounting first",
		Action: func(ctx *cli.Context) error {
			sh.quit = true
			return nil
		},
	}}
	return app
}

const timeLayout = "2006-01-02 15:04:05.000"

func (sh *shell) create(s *umbrella.Session, p string, typ umbrella.InodeType) (umbrella.Ino, error) {
	dir, name, err := sh.parent(s, p)
	if err != nil {
		return 0, err
	}
	return s.Create(dir, name, typ)
}

func (sh *shell) newfs(ctx *cli.Context) error {
	p, err := arg(ctx, 0, "device")
	if err != nil {
		return err
	}
	dp, err := umbrella.ParseDevicePath(p)
	if err != nil {
		return err
	}
	var dev *umbrella.FileBlockDevice
	if _, statErr := os.Stat(p); statErr == nil && !ctx.IsSet("blocks") {
		dev, err = umbrella.OpenFileBlockDevice(p, dp.BlockSize)
	} else {
		n := sh.cfg.BlockCount
		if ctx.IsSet("blocks") {
			n = ctx.Uint64("blocks")
		}
		dev, err = umbrella.CreateFileBlockDevice(p, n, dp.BlockSize)
	}
	if err != nil {
		return err
	}
	defer dev.Close()
	inodes := sh.cfg.InodeCount
	if ctx.IsSet("inodes") {
		inodes = uint32(ctx.Uint("inodes"))
	}
	sb, err := umbrella.Newfs(dev, umbrella.NewfsOptions{InodeCount: inodes})
	if err != nil {
		return err
	}
	sh.printf("formatted %s: %d blocks of %d bytes, %d inodes, %d data blocks\n",
		p, sb.BlockCount, sb.BlockSize, sb.InodeCount, sb.DataBlocks())
	return nil
}

type volumeInfo struct {
	Volume     string `yaml:"volume"`
	Version    uint32 `yaml:"version"`
	BlockSize  uint32 `yaml:"blockSize"`
	Blocks     uint64 `yaml:"blocks"`
	FreeBlocks uint64 `yaml:"freeBlocks"`
	Bitmap     string `yaml:"bitmap"`
	InodeTable string `yaml:"inodeTable"`
	Inodes     uint32 `yaml:"inodes"`
	Data       string `yaml:"data"`
	MountCount uint32 `yaml:"mountCount"`
	Clean      bool   `yaml:"cleanMount"`
}

func region(start, n uint64) string {
	return fmt.Sprintf("%d+%d", start, n)
}

func (sh *shell) info(s *umbrella.Session, ctx *cli.Context) error {
	sb, err := s.Superblock()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(volumeInfo{
		Volume:     s.VolumeID(),
		Version:    sb.Version,
		BlockSize:  sb.BlockSize,
		Blocks:     sb.BlockCount,
		FreeBlocks: sb.FreeBlocks,
		Bitmap:     region(sb.BitmapStart, sb.BitmapBlocks),
		InodeTable: region(sb.InodeStart, sb.InodeBlocks),
		Inodes:     sb.InodeCount,
		Data:       region(sb.DataStart(), sb.DataBlocks()),
		MountCount: sb.MountCount,
		Clean:      s.CleanMount(),
	})
	if err != nil {
		return err
	}
	_, err = sh.out.Write(data)
	return err
}

func (sh *shell) ls(s *umbrella.Session, ctx *cli.Context) error {
	target := sh.resolve(ctx.Args().First())
	ino, err := s.Walk(target)
	if err != nil {
		return err
	}
	in, err := s.Stat(ino)
	if err != nil {
		return err
	}
	if !in.IsDir() {
		sh.printf("%s %8d %s\n", typeChar(in.Type), in.Size, path.Base(target))
		return nil
	}
	entries, err := s.List(ino)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child, err := s.Stat(e.Ino)
		if err != nil {
			return err
		}
		sh.printf("%s %8d %s\n", typeChar(child.Type), child.Size, e.Name)
	}
	return nil
}

func typeChar(t umbrella.InodeType) string {
	if t == umbrella.TypeDirectory {
		return "d"
	}
	return "-"
}

func (sh *shell) write(s *umbrella.Session, ctx *cli.Context) error {
	p, err := arg(ctx, 0, "path")
	if err != nil {
		return err
	}
	var data []byte
	if from := ctx.String("from"); from != "" {
		if data, err = ioutil.ReadFile(from); err != nil {
			return errors.Wrap(err, "write")
		}
	} else {
		data = []byte(strings.Join(ctx.Args().Slice()[1:], " ") + "\n")
	}
	ino, err := s.Walk(sh.resolve(p))
	if errors.Is(err, umbrella.ErrNotFound) {
		ino, err = sh.create(s, p, umbrella.TypeFile)
	}
	if err != nil {
		return err
	}
	off := ctx.Uint64("offset")
	if ctx.Bool("append") {
		in, err := s.Stat(ino)
		if err != nil {
			return err
		}
		off = in.Size
	}
	n, err := s.Write(ino, off, data)
	if err != nil {
		return err
	}
	sh.printf("wrote %d bytes\n", n)
	return nil
}
