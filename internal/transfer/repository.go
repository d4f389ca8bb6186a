package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian/internal/platform/db"
)

// RefField names one of the three cross-reference columns.
type RefField string

const (
	RefCounterpart RefField = "counterpart_ref"
	RefLegacy      RefField = "legacy_ref"
	RefReceipt     RefField = "receipt_ref"
)

// RefWrite is one reference-field assignment. A nil Value clears the field.
type RefWrite struct {
	DocID int64
	Field RefField
	Value *int64
}

// ListFilter narrows the document listing.
type ListFilter struct {
	Role    Role
	Status  Status
	Page    int
	PerPage int
}

// Repository provides PostgreSQL backed persistence for transfer documents.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const docColumns = `id, number, role, status, unit_tax_id, counterparty_tax_id, party, internal,
	posting_date, currency, unit_address, counterparty_address, shipping_address, dispatch_address,
	counterpart_ref, legacy_ref, receipt_ref,
	net_total, tax_total, grand_total, net_total_base, tax_total_base, grand_total_base,
	created_at, updated_at`

const lineColumns = `id, document_id, row_no, item_code, uom, qty, stock_qty, rate, rate_base,
	amount, amount_base, net_amount, net_amount_base, warehouse, cost_center, expense_account,
	source_line_id, transfer_rate, received_qty, returned_qty, valuation_rate`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Number, &d.Role, &d.Status, &d.UnitTaxID, &d.CounterpartyTaxID,
		&d.Party, &d.Internal, &d.PostingDate, &d.Currency, &d.UnitAddress, &d.CounterpartyAddress,
		&d.ShippingAddress, &d.DispatchAddress, &d.CounterpartRef, &d.LegacyRef, &d.ReceiptRef,
		&d.NetTotal, &d.TaxTotal, &d.GrandTotal, &d.NetTotalBase, &d.TaxTotalBase, &d.GrandTotalBase,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanLines(rows pgx.Rows) ([]Line, error) {
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.DocumentID, &l.RowNo, &l.ItemCode, &l.UOM, &l.Qty,
			&l.StockQty, &l.Rate, &l.RateBase, &l.Amount, &l.AmountBase, &l.NetAmount,
			&l.NetAmountBase, &l.Warehouse, &l.CostCenter, &l.ExpenseAccount, &l.SourceLineID,
			&l.TransferRate, &l.ReceivedQty, &l.ReturnedQty, &l.ValuationRate); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Create inserts a draft document with its lines.
func (r *Repository) Create(ctx context.Context, input CreateDocumentInput, now time.Time) (*Document, error) {
	var created *Document
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO transfer_documents (
				number, role, status, unit_tax_id, counterparty_tax_id, party, internal,
				posting_date, currency, unit_address, counterparty_address, shipping_address, dispatch_address,
				net_total, tax_total, grand_total, net_total_base, tax_total_base, grand_total_base,
				created_at, updated_at
			) VALUES ($1,$2,'DRAFT',$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,$13,0,0,$14,0,$15,$15)
			RETURNING `+docColumns,
			input.Number, input.Role, input.UnitTaxID, input.CounterpartyTaxID, input.Party,
			input.Internal, input.PostingDate, input.Currency, input.UnitAddress,
			input.CounterpartyAddress, input.ShippingAddress, input.DispatchAddress,
			input.TaxTotal, input.TaxTotalBase, now)
		doc, err := scanDocument(row)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("transfer: number %s already exists", input.Number)
			}
			return err
		}
		for idx, line := range input.Lines {
			l := Line{
				DocumentID:    doc.ID,
				RowNo:         idx + 1,
				ItemCode:      line.ItemCode,
				UOM:           line.UOM,
				Qty:           line.Qty,
				StockQty:      line.StockQty,
				Rate:          line.Rate,
				RateBase:      line.RateBase,
				Amount:        line.Amount,
				AmountBase:    line.AmountBase,
				NetAmount:     line.NetAmount,
				NetAmountBase: line.NetAmountBase,
				Warehouse:     line.Warehouse,
				CostCenter:    line.CostCenter,
				ValuationRate: line.ValuationRate,
			}
			inserted, err := insertLine(ctx, tx, l)
			if err != nil {
				return err
			}
			doc.Lines = append(doc.Lines, *inserted)
		}
		doc.RecomputeTotals()
		if _, err := tx.Exec(ctx, `
			UPDATE transfer_documents SET net_total=$2, grand_total=$3, net_total_base=$4, grand_total_base=$5
			WHERE id=$1`,
			doc.ID, doc.NetTotal, doc.GrandTotal, doc.NetTotalBase, doc.GrandTotalBase); err != nil {
			return err
		}
		created = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func insertLine(ctx context.Context, tx pgx.Tx, l Line) (*Line, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO transfer_lines (
			document_id, row_no, item_code, uom, qty, stock_qty, rate, rate_base,
			amount, amount_base, net_amount, net_amount_base, warehouse, cost_center,
			expense_account, source_line_id, transfer_rate, received_qty, returned_qty, valuation_rate
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,0,0,$18)
		RETURNING id`,
		l.DocumentID, l.RowNo, l.ItemCode, l.UOM, l.Qty, l.StockQty, l.Rate, l.RateBase,
		l.Amount, l.AmountBase, l.NetAmount, l.NetAmountBase, l.Warehouse, l.CostCenter,
		l.ExpenseAccount, l.SourceLineID, l.TransferRate, l.ValuationRate).Scan(&l.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "transfer_lines_source_line_uniq" {
			return nil, fmt.Errorf("%w: source line %d mapped twice", ErrDuplicateLink, *l.SourceLineID)
		}
		return nil, err
	}
	return &l, nil
}

// Get loads one document with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (*Document, error) {
	doc, err := scanDocument(r.pool.QueryRow(ctx,
		`SELECT `+docColumns+` FROM transfer_documents WHERE id=$1`, id))
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+lineColumns+` FROM transfer_lines WHERE document_id=$1 ORDER BY row_no`, id)
	if err != nil {
		return nil, err
	}
	doc.Lines, err = scanLines(rows)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// List returns document headers matching the filter plus the total count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Document, int, error) {
	if filter.PerPage <= 0 {
		filter.PerPage = 20
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	where := ` WHERE ($1 = '' OR role = $1) AND ($2 = '' OR status = $2)`
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transfer_documents`+where,
		string(filter.Role), string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+docColumns+` FROM transfer_documents`+where+
			` ORDER BY posting_date DESC, id DESC LIMIT $3 OFFSET $4`,
		string(filter.Role), string(filter.Status), filter.PerPage, (filter.Page-1)*filter.PerPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *doc)
	}
	return out, total, rows.Err()
}

// InsertCounterpart persists a generated candidate and writes the
// bidirectional references in the same transaction, so a failed reference
// write leaves no half-linked pair behind.
func (r *Repository) InsertCounterpart(ctx context.Context, candidate *Document, refs []RefWrite) (*Document, error) {
	var created *Document
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO transfer_documents (
				number, role, status, unit_tax_id, counterparty_tax_id, party, internal,
				posting_date, currency, unit_address, counterparty_address, shipping_address, dispatch_address,
				receipt_ref, net_total, tax_total, grand_total, net_total_base, tax_total_base, grand_total_base,
				created_at, updated_at
			) VALUES ($1,$2,'DRAFT',$3,$4,$5,TRUE,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$19)
			RETURNING `+docColumns,
			candidate.Number, candidate.Role, candidate.UnitTaxID, candidate.CounterpartyTaxID,
			candidate.Party, candidate.PostingDate, candidate.Currency, candidate.UnitAddress,
			candidate.CounterpartyAddress, candidate.ShippingAddress, candidate.DispatchAddress,
			candidate.ReceiptRef, candidate.NetTotal, candidate.TaxTotal, candidate.GrandTotal,
			candidate.NetTotalBase, candidate.TaxTotalBase, candidate.GrandTotalBase, candidate.CreatedAt)
		doc, err := scanDocument(row)
		if err != nil {
			return err
		}
		for _, line := range candidate.Lines {
			line.DocumentID = doc.ID
			inserted, err := insertLine(ctx, tx, line)
			if err != nil {
				return err
			}
			doc.Lines = append(doc.Lines, *inserted)
		}
		for _, w := range refs {
			if w.DocID == 0 {
				w.DocID = doc.ID
			}
			if err := applyRefWrite(ctx, tx, w, doc.ID); err != nil {
				return err
			}
		}
		created = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// refSelf is a placeholder DocID in a RefWrite meaning "the document being
// inserted"; InsertCounterpart resolves it once the new ID is known.
const RefSelf int64 = 0

// refSelfValue marks a RefWrite whose Value should become the inserted
// document's ID.
var refSelfValue = int64(-1)

// RefToSelf returns a Value pointer that InsertCounterpart rewrites to the
// freshly inserted document's ID.
func RefToSelf() *int64 {
	v := refSelfValue
	return &v
}

func applyRefWrite(ctx context.Context, tx pgx.Tx, w RefWrite, selfID int64) error {
	value := w.Value
	if value != nil && *value == refSelfValue {
		value = &selfID
	}
	var col string
	switch w.Field {
	case RefCounterpart:
		col = "counterpart_ref"
	case RefLegacy:
		col = "legacy_ref"
	case RefReceipt:
		col = "receipt_ref"
	default:
		return fmt.Errorf("transfer: unknown reference field %q", w.Field)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE transfer_documents SET `+col+`=$2, updated_at=NOW() WHERE id=$1`, w.DocID, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %d", ErrNotFound, w.DocID)
	}
	return nil
}

// ApplyRefWrites performs the given reference assignments atomically. It is
// the single write path for linking and unlinking, so both sides of a pair
// commit or neither does.
func (r *Repository) ApplyRefWrites(ctx context.Context, writes []RefWrite) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, w := range writes {
			if err := applyRefWrite(ctx, tx, w, 0); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetStatus transitions a document's lifecycle state.
func (r *Repository) SetStatus(ctx context.Context, id int64, status Status, now time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transfer_documents SET status=$2, updated_at=$3 WHERE id=$1`, id, status, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %d", ErrNotFound, id)
	}
	return nil
}

// SetInternal marks a document as an internal transfer.
func (r *Repository) SetInternal(ctx context.Context, id int64, internal bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transfer_documents SET internal=$2, updated_at=NOW() WHERE id=$1`, id, internal)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %d", ErrNotFound, id)
	}
	return nil
}

// AdjustReceivedQty moves the received-quantity accumulators on the source
// lines a candidate's lines back-reference. sign is +1 on candidate submit
// and -1 on candidate cancel.
func (r *Repository) AdjustReceivedQty(ctx context.Context, candidateID int64, sign int) error {
	if sign != 1 && sign != -1 {
		return fmt.Errorf("transfer: received qty sign must be +1 or -1, got %d", sign)
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE transfer_lines src
		SET received_qty = src.received_qty + cand.qty * $2
		FROM transfer_lines cand
		WHERE cand.document_id = $1 AND cand.source_line_id = src.id`,
		candidateID, decimal.NewFromInt(int64(sign)))
	return err
}

// FindReferencing returns the documents whose canonical, legacy or secondary
// reference points at the given document, optionally restricted to
// non-cancelled ones.
func (r *Repository) FindReferencing(ctx context.Context, id int64, includeCancelled bool) ([]Document, error) {
	query := `SELECT ` + docColumns + ` FROM transfer_documents
		WHERE (counterpart_ref=$1 OR legacy_ref=$1 OR receipt_ref=$1)`
	if !includeCancelled {
		query += ` AND status <> 'CANCELLED'`
	}
	rows, err := r.pool.Query(ctx, query+` ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

// Cancel transitions a submitted document to CANCELLED. Unless skipBacklink
// is set it refuses while a non-cancelled document still references the
// target; the cascade path sets skipBacklink so cancelling a source can pull
// its counterparts down without tripping over its own references.
func (r *Repository) Cancel(ctx context.Context, id int64, skipBacklink bool, now time.Time) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var status Status
		err := tx.QueryRow(ctx,
			`SELECT status FROM transfer_documents WHERE id=$1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: document %d", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if status == StatusCancelled {
			return fmt.Errorf("%w: document %d", ErrCancelled, id)
		}
		if !skipBacklink {
			var refs int
			if err := tx.QueryRow(ctx, `
				SELECT COUNT(*) FROM transfer_documents
				WHERE (counterpart_ref=$1 OR legacy_ref=$1 OR receipt_ref=$1) AND status <> 'CANCELLED'`,
				id).Scan(&refs); err != nil {
				return err
			}
			if refs > 0 {
				return fmt.Errorf("%w: document %d", ErrStillReferenced, id)
			}
		}
		_, err = tx.Exec(ctx,
			`UPDATE transfer_documents SET status='CANCELLED', updated_at=$2 WHERE id=$1`, id, now)
		return err
	})
}

// ListSubmittedSince returns submitted documents of the given roles with a
// posting date at or after from, lines included. The reconciliation scanner
// is the only caller and needs full line detail for the diff.
func (r *Repository) ListSubmittedSince(ctx context.Context, from time.Time, roles []Role) ([]Document, error) {
	roleNames := make([]string, len(roles))
	for i, role := range roles {
		roleNames[i] = string(role)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+docColumns+` FROM transfer_documents
		WHERE status='SUBMITTED' AND posting_date >= $1 AND role = ANY($2)
		ORDER BY id`, from, roleNames)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	var ids []int64
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
		ids = append(ids, doc.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return docs, nil
	}

	lineRows, err := r.pool.Query(ctx,
		`SELECT `+lineColumns+` FROM transfer_lines WHERE document_id = ANY($1) ORDER BY document_id, row_no`, ids)
	if err != nil {
		return nil, err
	}
	lines, err := scanLines(lineRows)
	if err != nil {
		return nil, err
	}
	byDoc := make(map[int64][]Line, len(docs))
	for _, l := range lines {
		byDoc[l.DocumentID] = append(byDoc[l.DocumentID], l)
	}
	for i := range docs {
		docs[i].Lines = byDoc[docs[i].ID]
	}
	return docs, nil
}

// ListConvertible returns submitted, not-yet-internal documents posted at or
// after from, for the bulk conversion pass.
func (r *Repository) ListConvertible(ctx context.Context, from time.Time) ([]Document, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+docColumns+` FROM transfer_documents
		WHERE status='SUBMITTED' AND internal=FALSE AND posting_date >= $1
		ORDER BY id`, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}
