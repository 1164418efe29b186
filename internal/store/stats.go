package store

// RecordDelivery bumps the delivered-notification counter for a kind and day.
func (db *DB) RecordDelivery(kind, day string) error {
	_, err := db.Exec(`
		INSERT INTO notification_stats (kind, day, count) VALUES (?, ?, 1)
		ON CONFLICT(kind, day) DO UPDATE SET count = notification_stats.count + 1`,
		kind, day)
	return err
}

// DeliveryStats returns every recorded bucket, newest day first.
func (db *DB) DeliveryStats() ([]DeliveryStat, error) {
	rows, err := db.Query(`SELECT kind, day, count FROM notification_stats ORDER BY day DESC, kind ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stats []DeliveryStat
	for rows.Next() {
		var s DeliveryStat
		if err := rows.Scan(&s.Kind, &s.Day, &s.Count); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
