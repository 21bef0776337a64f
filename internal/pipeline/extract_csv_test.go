package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"partsync/internal"
)

func TestParseCSVPortalHeader(t *testing.T) {
	blob := []byte(`id,codigo,marca,descripcion,precioLista,precioCosto,precioVenta,descuentos,disponibilidad,origen
7001,AB12,BOSCH,Filtro de aceite,10.5,8.25,12,,4,AR
7002,CD34,SKF,Rodamiento rueda,20,15.4,24,,0,BR
7003,nan,,,,,,,1,
7004,,,,,,,,2,
`)
	records, err := parseCSV(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("len=%d", len(records))
	}

	first := records[0]
	if first.RawCode != "AB12" || first.Description != "Filtro de aceite" {
		t.Fatalf("first record = %+v", first)
	}
	if first.Brand == nil || *first.Brand != "BOSCH" {
		t.Fatalf("brand = %v", first.Brand)
	}
	if first.CostPrice == nil || first.CostPrice.String() != "8.25" {
		t.Fatalf("cost = %v", first.CostPrice)
	}
	if first.SalePrice == nil || first.SalePrice.String() != "12" {
		t.Fatalf("sale = %v", first.SalePrice)
	}
	if first.Available != 4 {
		t.Fatalf("available = %v", first.Available)
	}
	if records[1].Available != 0 {
		t.Fatalf("second available = %v", records[1].Available)
	}
}

func TestParseCSVSemicolonAndGroupedNumbers(t *testing.T) {
	blob := []byte("codigo;descripcion;precio;stock\nSA-17483;Correa de distribucion;1.234,56;-2\n")
	records, err := parseCSV(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("len=%d", len(records))
	}
	rec := records[0]
	if rec.RawCode != "SA-17483" {
		t.Fatalf("code = %q", rec.RawCode)
	}
	if rec.CostPrice == nil || rec.CostPrice.String() != "1234.56" {
		t.Fatalf("cost = %v", rec.CostPrice)
	}
	// clamping happens at normalization, the loader keeps what the feed said
	if rec.Available != -2 {
		t.Fatalf("available = %v", rec.Available)
	}
}

func TestParseCSVHeaderlessFallback(t *testing.T) {
	blob := []byte("SA17483,Correa de distribucion,4\nFIL220,Filtro habitaculo,0\n")
	records, err := parseCSV(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("len=%d", len(records))
	}
	if records[0].RawCode != "SA17483" || records[0].Description != "Correa de distribucion" {
		t.Fatalf("first record = %+v", records[0])
	}
	if records[0].Available != 4 || records[1].Available != 0 {
		t.Fatalf("availability = %v, %v", records[0].Available, records[1].Available)
	}
}

func TestParseCSVTitleRowBeforeHeader(t *testing.T) {
	blob := []byte("LISTA DE PRECIOS\ncodigo,descripcion,disponibilidad\nAB12,Filtro,3\n")
	records, err := parseCSV(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].RawCode != "AB12" {
		t.Fatalf("records = %+v", records)
	}
}

func TestLoadFeedNumbersRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lista.csv")
	blob := []byte("codigo,descripcion,disponibilidad\nAB12,Filtro,3\nCD34,Rodamiento,1\n")
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		t.Fatal(err)
	}

	records, format, err := LoadFeed(path)
	if err != nil {
		t.Fatal(err)
	}
	if format != internal.FormatCSV {
		t.Fatalf("format = %s", format)
	}
	for i, rec := range records {
		if rec.LineNo != i+1 {
			t.Fatalf("record %d has line_no %d", i, rec.LineNo)
		}
	}
}
