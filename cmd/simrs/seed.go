package main

import (
	"context"
	"fmt"

	"simrs/internal/models"
	"simrs/internal/store"
)

var (
	demoPolikliniks = []models.Poliklinik{
		{PoliID: "poli-umum", Name: "Poli Umum", QueueCode: "A"},
		{PoliID: "poli-anak", Name: "Poli Anak", QueueCode: "B"},
	}
	demoDoctors = []models.Doctor{
		{DoctorID: "dr-andi", PoliID: "poli-umum", Name: "dr. Andi", Active: true},
		{DoctorID: "dr-sari", PoliID: "poli-anak", Name: "dr. Sari, Sp.A", Active: true},
	}
	demoMedicines = []models.Medicine{
		{MedicineID: "med-para", Name: "Paracetamol 500 mg", Unit: "tablet", MinStock: 100},
		{MedicineID: "med-amox", Name: "Amoxicillin 500 mg", Unit: "kapsul", MinStock: 50},
	}
)

// seedDemo upserts enough master data to try the API. The pharmacy location
// takes its name from PHARMACY_LOCATION_NAME so completions hit the batch ledger.
// Running it again leaves stock counters alone.
func seedDemo(ctx context.Context, st store.MasterDataStore, pharmacyName string) error {
	for _, poli := range demoPolikliniks {
		if _, err := st.SavePoliklinik(ctx, poli); err != nil {
			return fmt.Errorf("poliklinik %s: %w", poli.PoliID, err)
		}
	}
	for _, doctor := range demoDoctors {
		if _, err := st.SaveDoctor(ctx, doctor); err != nil {
			return fmt.Errorf("doctor %s: %w", doctor.DoctorID, err)
		}
	}
	locations := []models.Location{
		{LocationID: "loc-apotek", Name: pharmacyName, Kind: models.LocationPharmacy},
		{LocationID: "loc-gudang", Name: "Gudang Farmasi", Kind: models.LocationWarehouse},
	}
	for _, location := range locations {
		if _, err := st.SaveLocation(ctx, location); err != nil {
			return fmt.Errorf("location %s: %w", location.LocationID, err)
		}
	}
	for _, medicine := range demoMedicines {
		if _, err := st.SaveMedicine(ctx, medicine); err != nil {
			return fmt.Errorf("medicine %s: %w", medicine.MedicineID, err)
		}
	}
	return nil
}
