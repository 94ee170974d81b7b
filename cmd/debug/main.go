package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/automerge/automerge-go"
	"github.com/sanity-io/litter"

	"github.com/astromechza/notesync/pkg/realtime"
	"github.com/astromechza/notesync/pkg/storage/sqlite"
	"github.com/astromechza/notesync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dbVar := flag.String("db", "notesync.sqlite3", "the sqlite database file")
	noteVar := flag.String("note", "", "list the revisions of this note")
	revisionVar := flag.String("revision", "", "inspect this revision")
	limitVar := flag.Int("limit", 20, "the number of revisions or changes to show")
	svgVar := flag.Bool("svg", false, "render the change history of the revision to a temp file")
	flag.Parse()
	if (*noteVar == "") == (*revisionVar == "") {
		return fmt.Errorf("expected exactly one of -note or -revision")
	}

	db, err := sqlite.Open(*dbVar, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := context.Background()

	if *noteVar != "" {
		infos, err := db.ListRevisions(ctx, realtime.NoteID(*noteVar), *limitVar)
		if err != nil {
			return err
		}
		litter.Dump(infos)
		return nil
	}

	note, rev, err := db.LoadRevision(ctx, realtime.RevisionID(*revisionVar))
	if err != nil {
		return err
	}
	slog.Info("loaded revision", "note", note, "savedAt", rev.SavedAt, "authors", rev.Authors, "version", rev.Version.String())
	fmt.Println(rev.Content)

	if len(rev.Document) == 0 {
		slog.Info("revision has no document")
		return nil
	}
	doc, err := automerge.Load(rev.Document)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded doc", "heads", doc.Heads())
	changes, err := viz.History(doc, realtime.ContentKey, *limitVar)
	if err != nil {
		return err
	}
	litter.Dump(changes)

	if *svgVar {
		tf := filepath.Join(os.TempDir(), *revisionVar+".svg")
		f, err := os.Create(tf)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := viz.RenderSVG(f, changes); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+tf)
	}
	return nil
}
