package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/piecestorage"
	"github.com/cenkalti/piecestorage/internal/bitfield"
	"github.com/cenkalti/piecestorage/internal/jsonutil"
	"github.com/cenkalti/piecestorage/internal/logger"
	"github.com/cenkalti/piecestorage/internal/metainfo"
	"github.com/cenkalti/piecestorage/internal/resumer"
	"github.com/cenkalti/piecestorage/internal/resumer/boltdbresumer"
	"github.com/cenkalti/piecestorage/internal/storage"
	"github.com/cenkalti/piecestorage/internal/storage/filestorage"
	"github.com/cenkalti/piecestorage/internal/verifier"
	"github.com/gofrs/uuid"
	"github.com/spf13/afero"
	"github.com/urfave/cli"
)

const defaultConfig = "~/.piecestorage.yaml"

var (
	cfg *piecestorage.Config
	log = logger.New("piecestorage")

	errReadOnly = errors.New("storage is read only")
)

func main() {
	app := cli.NewApp()
	app.Name = "piecestorage"
	app.Usage = "Inspect and prepare the piece state of torrent downloads"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read config from `FILE`",
			Value: defaultConfig,
		},
		cli.StringFlag{
			Name:  "database",
			Usage: "resume database `FILE`, overrides the value in config",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log",
		},
		cli.BoolFlag{
			Name:  "no-color",
			Usage: "disable colored output",
		},
	}
	app.Before = handleBeforeCommand
	app.Commands = []cli.Command{
		{
			Name:      "verify",
			Usage:     "check hashes of existing data and save downloaded pieces",
			ArgsUsage: "<torrent> [dir]",
			Action:    handleVerify,
		},
		{
			Name:      "status",
			Usage:     "show saved progress of a torrent",
			ArgsUsage: "<torrent>",
			Action:    handleStatus,
		},
		{
			Name:      "mark",
			Usage:     "mark data as downloaded without checking hashes",
			ArgsUsage: "<torrent>",
			Flags: []cli.Flag{
				cli.Int64Flag{
					Name:  "length, l",
					Usage: "mark first `N` bytes as downloaded, -1 for all",
					Value: -1,
				},
				cli.IntSliceFlag{
					Name:  "missing",
					Usage: "mark piece `INDEX` as missing",
				},
			},
			Action: handleMark,
		},
		{
			Name:      "select",
			Usage:     "show progress of selected files",
			ArgsUsage: "<torrent>",
			Flags: []cli.Flag{
				cli.StringSliceFlag{
					Name:  "file, f",
					Usage: "select file at `PATH`",
				},
				cli.IntSliceFlag{
					Name:  "index, i",
					Usage: "select file at 1-based `INDEX`",
				},
			},
			Action: handleSelect,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func handleBeforeCommand(c *cli.Context) error {
	var err error
	cfg, err = piecestorage.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if db := c.GlobalString("database"); db != "" {
		cfg.Database = db
	}
	levelName := cfg.LogLevel
	if c.GlobalBool("debug") {
		levelName = "debug"
	}
	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	jsonutil.SetColor(!c.GlobalBool("no-color"))
	return nil
}

// download is a torrent with its resume state in the database.
type download struct {
	id      string
	info    *metainfo.Info
	spec    *resumer.Spec
	db      io.Closer
	resumer *boltdbresumer.Download
}

func (d *download) Close() {
	err := d.db.Close()
	if err != nil {
		log.Errorln("cannot close database:", err)
	}
}

func openTorrent(path string) (*metainfo.Info, error) {
	f, err := os.Open(path) // nolint: gosec
	if err != nil {
		return nil, err
	}
	defer f.Close()
	mi, err := metainfo.New(f)
	if err != nil {
		return nil, err
	}
	return &mi.Info, nil
}

// openDownload finds the download of the torrent in the resume database.
// A new download is saved if the torrent is not in the database.
func openDownload(c *cli.Context) (*download, error) {
	if c.NArg() < 1 {
		return nil, errors.New("torrent file is required")
	}
	info, err := openTorrent(c.Args().Get(0))
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(cfg.Database), 0750); err != nil {
		return nil, err
	}
	db, err := boltdbresumer.Open(cfg.Database, cfg.DatabaseLockTimeout)
	if err != nil {
		return nil, err
	}
	res, err := boltdbresumer.New(db, []byte("downloads"))
	if err != nil {
		db.Close()
		return nil, err
	}
	id, found, err := res.Find(info.Hash[:])
	if err != nil {
		db.Close()
		return nil, err
	}
	if !found {
		u, err := uuid.NewV4()
		if err != nil {
			db.Close()
			return nil, err
		}
		id = u.String()
		spec := &resumer.Spec{
			InfoHash: info.Hash[:],
			Name:     info.Name,
			Dest:     cfg.DataDir,
			Bitfield: bitfield.New(info.NumPieces).Bytes(),
			AddedAt:  time.Now().UTC(),
		}
		if err = res.Write(id, spec); err != nil {
			db.Close()
			return nil, err
		}
		log.Infof("added download %s for %s", id, info.Name)
	}
	d := &download{
		id:      id,
		info:    info,
		db:      db,
		resumer: res.Download(id),
	}
	d.spec, err = d.resumer.Read()
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// load returns a PieceStorage with the saved state of the download.
func (d *download) load(sink storage.Sink) (*piecestorage.PieceStorage, error) {
	s := piecestorage.New(d.info, sink, *cfg)
	if err := s.Load(d.resumer); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func handleVerify(c *cli.Context) error {
	d, err := openDownload(c)
	if err != nil {
		return err
	}
	defer d.Close()

	dest := d.spec.Dest
	if c.NArg() > 1 {
		dest = c.Args().Get(1)
	}
	fs, err := filestorage.New(afero.NewOsFs(), dest, d.info)
	if err != nil {
		return err
	}
	defer fs.Close()

	v := verifier.New()
	progressC := make(chan verifier.Progress)
	resultC := make(chan *verifier.Verifier, 1)
	go v.Run(fs, d.info, progressC, resultC)
	for {
		select {
		case p := <-progressC:
			log.Debugf("checked %d/%d pieces, %d ok", p.Checked, d.info.NumPieces, p.OK)
			continue
		case <-resultC:
		}
		break
	}
	if v.Error != nil {
		return fmt.Errorf("cannot read data: %w", v.Error)
	}

	s := piecestorage.New(d.info, fs, *cfg)
	defer s.Close()
	if err = s.SetBitfield(v.Bitfield.Bytes()); err != nil {
		return err
	}
	if err = s.Save(d.resumer); err != nil {
		return err
	}
	log.Infof("%d of %d pieces are ok", v.Bitfield.Count(), d.info.NumPieces)
	return printStatus(d, s)
}

func handleStatus(c *cli.Context) error {
	d, err := openDownload(c)
	if err != nil {
		return err
	}
	defer d.Close()
	s, err := d.load(readOnlySink{})
	if err != nil {
		return err
	}
	defer s.Close()
	return printStatus(d, s)
}

func handleMark(c *cli.Context) error {
	d, err := openDownload(c)
	if err != nil {
		return err
	}
	defer d.Close()
	s, err := d.load(readOnlySink{})
	if err != nil {
		return err
	}
	defer s.Close()

	length := c.Int64("length")
	if length < 0 {
		s.MarkAllPiecesDone()
	} else {
		s.MarkPiecesDone(length)
	}
	for _, i := range c.IntSlice("missing") {
		if i < 0 || uint32(i) >= s.NumPieces() {
			return fmt.Errorf("invalid piece index: %d", i)
		}
		s.MarkPieceMissing(uint32(i))
	}
	if err = s.Save(d.resumer); err != nil {
		return err
	}
	return printStatus(d, s)
}

func handleSelect(c *cli.Context) error {
	d, err := openDownload(c)
	if err != nil {
		return err
	}
	defer d.Close()
	s, err := d.load(readOnlySink{})
	if err != nil {
		return err
	}
	defer s.Close()

	if err = s.SetFileFilter(c.StringSlice("file")); err != nil {
		return err
	}
	if err = s.SetFileFilterByIndex(c.IntSlice("index")); err != nil {
		return err
	}
	return printStatus(d, s)
}

// Status of a download printed by commands.
type Status struct {
	ID                      string    `json:"id"`
	Name                    string    `json:"name"`
	InfoHash                string    `json:"info_hash"`
	Dest                    string    `json:"dest"`
	AddedAt                 time.Time `json:"added_at"`
	Pieces                  uint32    `json:"pieces"`
	InFlightPieces          int       `json:"in_flight_pieces"`
	TotalLength             int64     `json:"total_length"`
	CompletedLength         int64     `json:"completed_length"`
	Selective               bool      `json:"selective"`
	FilteredTotalLength     int64     `json:"filtered_total_length"`
	FilteredCompletedLength int64     `json:"filtered_completed_length"`
	Progress                int       `json:"progress"`
	Finished                bool      `json:"finished"`
	Bitfield                string    `json:"bitfield"`
}

func printStatus(d *download, s *piecestorage.PieceStorage) error {
	st := Status{
		ID:                      d.id,
		Name:                    d.info.Name,
		InfoHash:                hex.EncodeToString(d.info.Hash[:]),
		Dest:                    d.spec.Dest,
		AddedAt:                 d.spec.AddedAt,
		Pieces:                  s.NumPieces(),
		InFlightPieces:          s.CountInFlightPiece(),
		TotalLength:             s.TotalLength(),
		CompletedLength:         s.CompletedLength(),
		Selective:               s.IsSelectiveDownloadingMode(),
		FilteredTotalLength:     s.FilteredTotalLength(),
		FilteredCompletedLength: s.FilteredCompletedLength(),
		Finished:                s.DownloadFinished(),
		Bitfield:                hex.EncodeToString(s.Bitfield()),
	}
	if st.FilteredTotalLength > 0 {
		st.Progress = int(st.FilteredCompletedLength * 100 / st.FilteredTotalLength)
	} else {
		st.Progress = 100
	}
	b, err := jsonutil.MarshalCompactPretty(st)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(b)
	return err
}

// readOnlySink is used by the commands that change only the resume state.
type readOnlySink struct{}

func (readOnlySink) ReadAt(p []byte, off int64) (int, error)  { return 0, io.EOF }
func (readOnlySink) WriteAt(p []byte, off int64) (int, error) { return 0, errReadOnly }
func (readOnlySink) OnDownloadComplete()                      {}
