package consolidator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"depthflow/internal/models"
)

// levelRow is one price level of one depth update.
type levelRow struct {
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime     int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ReceivedTime  int64   `parquet:"name=received_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	FinalUpdateID int64   `parquet:"name=final_update_id, type=INT64"`
	Sequence      int64   `parquet:"name=sequence, type=INT64"`
	Side          string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level         int32   `parquet:"name=level, type=INT32"`
	Price         float64 `parquet:"name=price, type=DOUBLE"`
	Quantity      float64 `parquet:"name=quantity, type=DOUBLE"`
}

func levelRows(u models.DepthUpdate) []levelRow {
	rows := make([]levelRow, 0, len(u.Bids)+len(u.Asks))
	add := func(side string, levels []models.PriceLevel) {
		for i, l := range levels {
			rows = append(rows, levelRow{
				Symbol:        u.Symbol,
				EventTime:     u.EventTime,
				ReceivedTime:  u.ReceivedTime,
				FinalUpdateID: u.FinalUpdateID,
				Sequence:      int64(u.Sequence),
				Side:          side,
				Level:         int32(i),
				Price:         l.Price.InexactFloat64(),
				Quantity:      l.Quantity.InexactFloat64(),
			})
		}
	}
	add("bid", u.Bids)
	add("ask", u.Asks)
	return rows
}

// exportParquet flattens every update in the daily archive into a snappy
// compressed parquet file at dst. It returns the number of rows written.
func exportParquet(archive, dst string) (int64, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	tmp := dst + ".tmp"
	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	pw, err := writer.NewParquetWriter(fw, new(levelRow), 1)
	if err != nil {
		fw.Close()
		os.Remove(tmp)
		return 0, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	fail := func(err error) (int64, error) {
		pw.WriteStop()
		fw.Close()
		os.Remove(tmp)
		return 0, err
	}

	var rows int64
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return fail(fmt.Errorf("open entry %s: %w", f.Name, err))
		}
		n, err := writeEntryRows(pw, rc)
		rc.Close()
		if err != nil {
			return fail(fmt.Errorf("entry %s: %w", f.Name, err))
		}
		rows += n
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := fw.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return 0, err
	}
	return rows, nil
}

func writeEntryRows(pw *writer.ParquetWriter, r io.Reader) (int64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var rows int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var u models.DepthUpdate
		if err := json.Unmarshal(line, &u); err != nil {
			// a torn final line from a crash is not fatal
			continue
		}
		for _, row := range levelRows(u) {
			if err := pw.Write(row); err != nil {
				return rows, err
			}
			rows++
		}
	}
	return rows, scanner.Err()
}
