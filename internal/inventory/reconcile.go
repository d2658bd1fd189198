package inventory

import "sort"

// Ledger pairs the legacy aggregate stock counter of a medicine with the sum of its
// batch quantities across every location.
type Ledger struct {
	MedicineID  string `json:"medicine_id"`
	Name        string `json:"name"`
	LegacyStock int    `json:"legacy_stock"`
	BatchTotal  int    `json:"batch_total"`
}

type Drift struct {
	Ledger
	Drift int `json:"drift"`
}

// Reconcile returns every medicine whose legacy counter disagrees with its batches,
// sorted by absolute drift descending. Drift is legacy minus batch total.
func Reconcile(ledgers []Ledger) []Drift {
	var drifts []Drift
	for _, ledger := range ledgers {
		diff := ledger.LegacyStock - ledger.BatchTotal
		if diff == 0 {
			continue
		}
		drifts = append(drifts, Drift{Ledger: ledger, Drift: diff})
	}
	sort.SliceStable(drifts, func(i, j int) bool {
		a, b := abs(drifts[i].Drift), abs(drifts[j].Drift)
		if a != b {
			return a > b
		}
		return drifts[i].MedicineID < drifts[j].MedicineID
	})
	return drifts
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
