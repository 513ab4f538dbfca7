// Package transfer copies device records between record repositories, for
// example from a directory of per-device JSON files into MongoDB or Postgres.
package transfer

import (
	"context"
	"errors"
	"fmt"

	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Repository/Interfaces"
)

type Options struct {
	// Overwrite replaces records already present in the destination
	Overwrite bool
	// DryRun reports what would be copied without writing
	DryRun bool
}

type Result struct {
	Copied     int
	Skipped    int
	Unreadable int
	Failures   []*mqtmodels.PersistenceError
}

// Copy copies every readable record from src to dst. Unreadable source
// records are counted and skipped; write failures are collected and the copy
// continues.
func Copy(ctx context.Context, src, dst interfaces.RecordRepository, opts Options, log *logger.Logger) (Result, error) {
	var result Result
	log = log.WithComponent("transfer")

	loaded, err := src.LoadRecords(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read source records: %w", err)
	}

	for _, perr := range loaded.Failures {
		log.WithDevice(perr.DeviceID).WarnWithError(perr, "Skipping unreadable source record")
	}
	result.Unreadable = len(loaded.Failures)

	for _, record := range loaded.Records {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if !opts.Overwrite {
			_, err := dst.GetRecord(ctx, record.DeviceID)
			switch {
			case err == nil:
				result.Skipped++
				continue
			case !errors.Is(err, mqtmodels.ErrNotFound):
				// an unreadable destination record is replaced
				log.WithDevice(record.DeviceID).WarnWithError(err, "Destination record unreadable, replacing")
			}
		}

		if opts.DryRun {
			result.Copied++
			continue
		}

		if err := dst.SaveRecord(ctx, record); err != nil {
			var perr *mqtmodels.PersistenceError
			if !errors.As(err, &perr) {
				perr = &mqtmodels.PersistenceError{DeviceID: record.DeviceID, Op: "save", Err: err}
			}
			log.WithDevice(record.DeviceID).ErrorWithError(perr, "Failed to copy record")
			result.Failures = append(result.Failures, perr)
			continue
		}
		result.Copied++
	}

	log.WithFields(map[string]interface{}{
		"copied":     result.Copied,
		"skipped":    result.Skipped,
		"unreadable": result.Unreadable,
		"failed":     len(result.Failures),
		"dry_run":    opts.DryRun,
	}).Info("Copy finished")

	return result, nil
}
