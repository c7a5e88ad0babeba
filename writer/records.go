package writer

import (
	"encoding/json"
	"fmt"
	"time"

	"indexflow/internal/symbols"
	"indexflow/models"
	"indexflow/processor"
)

// RecordFromItem converts a raw pipeline item into a line record. The event
// timestamp is used when the payload carries a valid one, else ReceivedAt.
func RecordFromItem(item models.BatchItem) (LineRecord, error) {
	switch item.Topic {
	case models.TopicOrderbook:
		return orderbookRecord(item)
	case models.TopicTicker:
		return tickerRecord(item)
	case models.TopicTrade:
		return tradeRecord(item)
	case models.TopicIndex:
		var tick models.IndexTick
		if err := json.Unmarshal(item.Payload, &tick); err != nil {
			return LineRecord{}, fmt.Errorf("%w: index payload: %v", ErrInvalidRecord, err)
		}
		if tick.Timestamp.IsZero() {
			tick.Timestamp = item.ReceivedAt
		}
		return IndexRecord(tick), nil
	default:
		return LineRecord{}, fmt.Errorf("%w: unknown topic %q", ErrInvalidRecord, item.Topic)
	}
}

func orderbookRecord(item models.BatchItem) (LineRecord, error) {
	snap, _, err := processor.NormalizeSnapshot(item.Payload, 0, item.ReceivedAt)
	if err != nil {
		return LineRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	rec := LineRecord{Measurement: models.TopicOrderbook, Timestamp: snap.ObservedAt}
	rec.AddTag("exchange", snap.ExchangeID).AddTag("symbol", snap.Symbol)
	if bid, ok := snap.BestBid(); ok {
		rec.AddField("best_bid", bid.Price).AddField("best_bid_qty", bid.Quantity)
	}
	if ask, ok := snap.BestAsk(); ok {
		rec.AddField("best_ask", ask.Price).AddField("best_ask_qty", ask.Quantity)
	}
	rec.AddField("bid_levels", len(snap.Bids)).AddField("ask_levels", len(snap.Asks))
	return rec, nil
}

func tickerRecord(item models.BatchItem) (LineRecord, error) {
	var t models.Ticker
	if err := json.Unmarshal(item.Payload, &t); err != nil {
		return LineRecord{}, fmt.Errorf("%w: ticker payload: %v", ErrInvalidRecord, err)
	}
	if t.ID() == "" {
		return LineRecord{}, fmt.Errorf("%w: ticker without exchange", ErrInvalidRecord)
	}
	rec := LineRecord{Measurement: models.TopicTicker, Timestamp: eventTime(t.Timestamp, item.ReceivedAt)}
	rec.AddTag("exchange", t.ID()).AddTag("symbol", symbols.Canonical(t.Symbol))
	rec.AddField("close", float64(t.Close))
	if t.Volume != nil {
		rec.AddField("volume", float64(*t.Volume))
	}
	return rec, nil
}

func tradeRecord(item models.BatchItem) (LineRecord, error) {
	var t models.Trade
	if err := json.Unmarshal(item.Payload, &t); err != nil {
		return LineRecord{}, fmt.Errorf("%w: trade payload: %v", ErrInvalidRecord, err)
	}
	if t.ID() == "" {
		return LineRecord{}, fmt.Errorf("%w: trade without exchange", ErrInvalidRecord)
	}
	rec := LineRecord{Measurement: models.TopicTrade, Timestamp: eventTime(t.Timestamp, item.ReceivedAt)}
	rec.AddTag("exchange", t.ID()).AddTag("symbol", symbols.Canonical(t.Symbol)).AddTag("side", t.Side)
	rec.AddField("price", float64(t.Price)).AddField("qty", float64(t.Qty))
	if t.TradeID != "" {
		rec.AddField("trade_id", t.TradeID)
	}
	return rec, nil
}

// IndexRecord renders an index tick. Undefined prices are omitted; the
// reliability flags are always present.
func IndexRecord(tick models.IndexTick) LineRecord {
	rec := LineRecord{Measurement: models.IndexType, Timestamp: tick.Timestamp}
	rec.AddTag("symbol", tick.Symbol)
	rec.AddField("vwap_buy", tick.VWAPBuy).
		AddField("vwap_sell", tick.VWAPSell).
		AddField("index_mid", tick.IndexMid).
		AddField("sources", len(tick.Sources)).
		AddField("provisional", tick.Provisional).
		AddField("no_publish", tick.NoPublish)
	ok := 0
	for _, st := range tick.ExpectedStatus {
		if st.Reason == models.ReasonOK {
			ok++
		}
	}
	rec.AddField("expected_ok", ok)
	if tick.Reason != "" {
		rec.AddField("reason", tick.Reason)
	}
	return rec
}

func eventTime(ts models.Timestamp, fallback time.Time) time.Time {
	if ts.Valid {
		return ts.Time
	}
	return fallback
}

// EncodeBatch renders every item of batch as one line each, in batch order.
// Items that cannot be converted are counted in skipped and left out.
func EncodeBatch(batch models.Batch, unit Precision) (lines [][]byte, skipped int) {
	lines = make([][]byte, 0, len(batch.Items))
	for _, item := range batch.Items {
		rec, err := RecordFromItem(item)
		if err != nil {
			skipped++
			continue
		}
		line, err := rec.AppendLine(nil, unit)
		if err != nil {
			skipped++
			continue
		}
		lines = append(lines, line)
	}
	return lines, skipped
}
