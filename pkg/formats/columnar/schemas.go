package columnar

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/Cerresi/bees-case/pkg/models"
)

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// SilverSchema is the Parquet layout of a Silver partition.
var SilverSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.BinaryTypes.String},
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "brewery_type", Type: arrow.BinaryTypes.String},
	{Name: "country", Type: arrow.BinaryTypes.String},
	{Name: "state", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "city", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "postal_code", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "phone", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "website_url", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "latitude", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "longitude", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "run_id", Type: arrow.BinaryTypes.String},
}, nil)

// GoldStateSchema is the Parquet layout of the per-state aggregate table.
var GoldStateSchema = arrow.NewSchema([]arrow.Field{
	{Name: "country", Type: arrow.BinaryTypes.String},
	{Name: "state", Type: arrow.BinaryTypes.String},
	{Name: "brewery_type", Type: arrow.BinaryTypes.String},
	{Name: "brewery_count", Type: arrow.PrimitiveTypes.Int64},
	{Name: "run_timestamp", Type: timestampType},
}, nil)

// GoldCountrySchema is the Parquet layout of the per-country aggregate table.
var GoldCountrySchema = arrow.NewSchema([]arrow.Field{
	{Name: "country", Type: arrow.BinaryTypes.String},
	{Name: "brewery_type", Type: arrow.BinaryTypes.String},
	{Name: "brewery_count", Type: arrow.PrimitiveTypes.Int64},
	{Name: "run_timestamp", Type: timestampType},
}, nil)

// SilverCodec encodes models.SilverRecord rows.
var SilverCodec = &Codec[models.SilverRecord]{
	schema: SilverSchema,
	append: func(b *array.RecordBuilder, r *models.SilverRecord) {
		b.Field(0).(*array.StringBuilder).Append(r.ID)
		b.Field(1).(*array.StringBuilder).Append(r.Name)
		b.Field(2).(*array.StringBuilder).Append(string(r.BreweryType))
		b.Field(3).(*array.StringBuilder).Append(r.Country)
		appendOptString(b.Field(4).(*array.StringBuilder), r.State)
		appendOptString(b.Field(5).(*array.StringBuilder), r.City)
		appendOptString(b.Field(6).(*array.StringBuilder), r.PostalCode)
		appendOptString(b.Field(7).(*array.StringBuilder), r.Phone)
		appendOptString(b.Field(8).(*array.StringBuilder), r.WebsiteURL)
		appendOptFloat(b.Field(9).(*array.Float64Builder), r.Latitude)
		appendOptFloat(b.Field(10).(*array.Float64Builder), r.Longitude)
		b.Field(11).(*array.StringBuilder).Append(r.RunID)
	},
	scan: scanSilver,
}

func scanSilver(rec arrow.Record) ([]models.SilverRecord, error) {
	str := make(map[string]*array.String, 10)
	for _, name := range []string{"id", "name", "brewery_type", "country", "state", "city", "postal_code", "phone", "website_url", "run_id"} {
		col, err := column[*array.String](rec, name)
		if err != nil {
			return nil, err
		}
		str[name] = col
	}
	lat, err := column[*array.Float64](rec, "latitude")
	if err != nil {
		return nil, err
	}
	lon, err := column[*array.Float64](rec, "longitude")
	if err != nil {
		return nil, err
	}

	rows := make([]models.SilverRecord, rec.NumRows())
	for i := range rows {
		rows[i] = models.SilverRecord{
			ID:          str["id"].Value(i),
			Name:        str["name"].Value(i),
			BreweryType: models.BreweryType(str["brewery_type"].Value(i)),
			Country:     str["country"].Value(i),
			State:       optString(str["state"], i),
			City:        optString(str["city"], i),
			PostalCode:  optString(str["postal_code"], i),
			Phone:       optString(str["phone"], i),
			WebsiteURL:  optString(str["website_url"], i),
			Latitude:    optFloat(lat, i),
			Longitude:   optFloat(lon, i),
			RunID:       str["run_id"].Value(i),
		}
	}
	return rows, nil
}

// GoldStateCodec encodes models.GoldAggregate rows.
var GoldStateCodec = &Codec[models.GoldAggregate]{
	schema: GoldStateSchema,
	append: func(b *array.RecordBuilder, a *models.GoldAggregate) {
		b.Field(0).(*array.StringBuilder).Append(a.Country)
		b.Field(1).(*array.StringBuilder).Append(a.State)
		b.Field(2).(*array.StringBuilder).Append(string(a.BreweryType))
		b.Field(3).(*array.Int64Builder).Append(a.Count)
		b.Field(4).(*array.TimestampBuilder).Append(arrow.Timestamp(a.RunTimestamp.UnixMicro()))
	},
	scan: func(rec arrow.Record) ([]models.GoldAggregate, error) {
		country, err := column[*array.String](rec, "country")
		if err != nil {
			return nil, err
		}
		state, err := column[*array.String](rec, "state")
		if err != nil {
			return nil, err
		}
		typ, err := column[*array.String](rec, "brewery_type")
		if err != nil {
			return nil, err
		}
		count, err := column[*array.Int64](rec, "brewery_count")
		if err != nil {
			return nil, err
		}
		ts, err := column[*array.Timestamp](rec, "run_timestamp")
		if err != nil {
			return nil, err
		}
		rows := make([]models.GoldAggregate, rec.NumRows())
		for i := range rows {
			rows[i] = models.GoldAggregate{
				Country:      country.Value(i),
				State:        state.Value(i),
				BreweryType:  models.BreweryType(typ.Value(i)),
				Count:        count.Value(i),
				RunTimestamp: time.UnixMicro(int64(ts.Value(i))).UTC(),
			}
		}
		return rows, nil
	},
}

// GoldCountryCodec encodes models.CountryAggregate rows.
var GoldCountryCodec = &Codec[models.CountryAggregate]{
	schema: GoldCountrySchema,
	append: func(b *array.RecordBuilder, a *models.CountryAggregate) {
		b.Field(0).(*array.StringBuilder).Append(a.Country)
		b.Field(1).(*array.StringBuilder).Append(string(a.BreweryType))
		b.Field(2).(*array.Int64Builder).Append(a.Count)
		b.Field(3).(*array.TimestampBuilder).Append(arrow.Timestamp(a.RunTimestamp.UnixMicro()))
	},
	scan: func(rec arrow.Record) ([]models.CountryAggregate, error) {
		country, err := column[*array.String](rec, "country")
		if err != nil {
			return nil, err
		}
		typ, err := column[*array.String](rec, "brewery_type")
		if err != nil {
			return nil, err
		}
		count, err := column[*array.Int64](rec, "brewery_count")
		if err != nil {
			return nil, err
		}
		ts, err := column[*array.Timestamp](rec, "run_timestamp")
		if err != nil {
			return nil, err
		}
		rows := make([]models.CountryAggregate, rec.NumRows())
		for i := range rows {
			rows[i] = models.CountryAggregate{
				Country:      country.Value(i),
				BreweryType:  models.BreweryType(typ.Value(i)),
				Count:        count.Value(i),
				RunTimestamp: time.UnixMicro(int64(ts.Value(i))).UTC(),
			}
		}
		return rows, nil
	},
}
