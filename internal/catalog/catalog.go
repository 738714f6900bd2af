// Package catalog ingests product images listed in a CSV or XLSX catalog.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Product is one catalog row.
type Product struct {
	Row         int    `json:"row"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	DisplayName string `json:"product_display_name,omitempty"`
}

// Load reads a catalog. The first row is a header naming at least
// "filename" and "link" (or "url"); "productDisplayName" is optional.
// Rows without a filename or url are skipped.
func Load(path string) ([]Product, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err = readCSV(path)
	case ".xlsx":
		rows, err = readXLSX(path)
	default:
		return nil, fmt.Errorf("catalog %s: unsupported format", path)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return parse(rows)
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, rec)
	}
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.GetRows(f.GetSheetName(0))
}

func parse(rows [][]string) ([]Product, error) {
	if len(rows) == 0 {
		return nil, errors.New("catalog is empty")
	}
	col := map[string]int{}
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	fileCol, ok := col["filename"]
	if !ok {
		return nil, errors.New(`catalog header has no "filename" column`)
	}
	urlCol, ok := col["link"]
	if !ok {
		if urlCol, ok = col["url"]; !ok {
			return nil, errors.New(`catalog header has no "link" or "url" column`)
		}
	}
	nameCol, hasName := col["productdisplayname"]

	cell := func(row []string, i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	products := make([]Product, 0, len(rows)-1)
	for i, row := range rows[1:] {
		p := Product{Row: i, Filename: cell(row, fileCol), URL: cell(row, urlCol)}
		if hasName {
			p.DisplayName = cell(row, nameCol)
		}
		if p.Filename == "" || p.URL == "" {
			continue
		}
		products = append(products, p)
	}
	return products, nil
}

// Window returns products from row startFrom on, at most limit of them.
// limit <= 0 means no limit.
func Window(products []Product, startFrom, limit int) []Product {
	out := products[:0:0]
	for _, p := range products {
		if p.Row < startFrom {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, p)
	}
	return out
}
