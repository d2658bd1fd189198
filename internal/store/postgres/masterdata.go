package postgres

import (
	"context"

	"simrs/internal/models"
	"simrs/internal/store"

	"github.com/google/uuid"
)

func (s *Store) SavePoliklinik(ctx context.Context, poli models.Poliklinik) (models.Poliklinik, error) {
	if poli.PoliID == "" {
		poli.PoliID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO polikliniks (poli_id, name, queue_code)
		VALUES ($1, $2, $3)
		ON CONFLICT (poli_id) DO UPDATE SET name = EXCLUDED.name, queue_code = EXCLUDED.queue_code
	`, poli.PoliID, poli.Name, poli.QueueCode)
	if err != nil {
		return models.Poliklinik{}, err
	}
	return poli, nil
}

func (s *Store) SaveDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error) {
	if doctor.DoctorID == "" {
		doctor.DoctorID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO doctors (doctor_id, poli_id, name, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (doctor_id) DO UPDATE SET poli_id = EXCLUDED.poli_id, name = EXCLUDED.name, active = EXCLUDED.active
	`, doctor.DoctorID, doctor.PoliID, doctor.Name, doctor.Active)
	if err != nil {
		return models.Doctor{}, err
	}
	return doctor, nil
}

func (s *Store) SaveLocation(ctx context.Context, location models.Location) (models.Location, error) {
	if location.LocationID == "" {
		location.LocationID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO locations (location_id, name, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (location_id) DO UPDATE SET name = EXCLUDED.name, kind = EXCLUDED.kind
	`, location.LocationID, location.Name, location.Kind)
	if err != nil {
		return models.Location{}, err
	}
	return location, nil
}

// SaveMedicine never touches the legacy stock counter of an existing row.
func (s *Store) SaveMedicine(ctx context.Context, medicine models.Medicine) (models.Medicine, error) {
	if medicine.MedicineID == "" {
		medicine.MedicineID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO medicines (medicine_id, name, unit, stock, min_stock)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (medicine_id) DO UPDATE SET name = EXCLUDED.name, unit = EXCLUDED.unit, min_stock = EXCLUDED.min_stock
		RETURNING stock
	`, medicine.MedicineID, medicine.Name, medicine.Unit, medicine.Stock, medicine.MinStock).Scan(&medicine.Stock)
	if err != nil {
		return models.Medicine{}, err
	}
	return medicine, nil
}

var _ store.MasterDataStore = (*Store)(nil)
