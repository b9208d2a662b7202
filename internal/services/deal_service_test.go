package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/apperrors"
	"github.com/trumarket/backend/internal/config"
	"github.com/trumarket/backend/internal/events"
	"github.com/trumarket/backend/internal/models"
	"github.com/trumarket/backend/internal/repositories"
	"github.com/trumarket/backend/internal/settlement"
)

// --- fakes ---

type fakeDealStore struct {
	deals map[uuid.UUID]*models.Deal
}

func newFakeDealStore(deals ...*models.Deal) *fakeDealStore {
	s := &fakeDealStore{deals: map[uuid.UUID]*models.Deal{}}
	for _, d := range deals {
		s.deals[d.ID] = cloneDeal(d)
	}
	return s
}

func cloneDeal(d *models.Deal) *models.Deal {
	out := *d
	out.Buyers = append([]models.Participant(nil), d.Buyers...)
	out.Suppliers = append([]models.Participant(nil), d.Suppliers...)
	out.Milestones = append([]models.Milestone(nil), d.Milestones...)
	out.Docs = append([]models.DocumentFile(nil), d.Docs...)
	if d.NftID != nil {
		n := *d.NftID
		out.NftID = &n
	}
	return &out
}

func (s *fakeDealStore) Create(_ context.Context, d *models.Deal) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	s.deals[d.ID] = cloneDeal(d)
	return nil
}

func (s *fakeDealStore) GetByID(_ context.Context, id uuid.UUID) (*models.Deal, error) {
	d, ok := s.deals[id]
	if !ok {
		return nil, fmt.Errorf("deal %s not found", id)
	}
	return cloneDeal(d), nil
}

func (s *fakeDealStore) WithDealLocked(_ context.Context, id uuid.UUID, fn func(d *models.Deal) error) (*models.Deal, error) {
	d, ok := s.deals[id]
	if !ok {
		return nil, fmt.Errorf("deal %s not found", id)
	}
	work := cloneDeal(d)
	if err := fn(work); err != nil {
		return nil, err
	}
	s.deals[id] = cloneDeal(work)
	return work, nil
}

func (s *fakeDealStore) Delete(_ context.Context, id uuid.UUID) error {
	delete(s.deals, id)
	return nil
}

func (s *fakeDealStore) SetEVMLinkage(_ context.Context, id uuid.UUID, nftID int64, mintTxHash, vaultAddress string) error {
	d, ok := s.deals[id]
	if !ok {
		return fmt.Errorf("deal %s not found", id)
	}
	if d.NftID != nil {
		return fmt.Errorf("deal %s already has settlement linkage", id)
	}
	d.NftID = &nftID
	d.MintTxHash = mintTxHash
	d.VaultAddress = vaultAddress
	return nil
}

func (s *fakeDealStore) SetXRPLLinkage(_ context.Context, id uuid.UUID, src *models.Deal) error {
	d, ok := s.deals[id]
	if !ok {
		return fmt.Errorf("deal %s not found", id)
	}
	if d.XrplVaultAddress != "" {
		return fmt.Errorf("deal %s already has settlement linkage", id)
	}
	d.XrplVaultAddress = src.XrplVaultAddress
	d.XrplVaultSeedEnc = src.XrplVaultSeedEnc
	d.XrplBorrowerAddress = src.XrplBorrowerAddress
	d.XrplBorrowerSeedEnc = src.XrplBorrowerSeedEnc
	return nil
}

func (s *fakeDealStore) List(_ context.Context, _ repositories.DealFilter) ([]models.Deal, error) {
	var out []models.Deal
	for _, d := range s.deals {
		out = append(out, *cloneDeal(d))
	}
	return out, nil
}

func (s *fakeDealStore) Count(_ context.Context, _ repositories.DealFilter) (int64, error) {
	return int64(len(s.deals)), nil
}

func (s *fakeDealStore) ListByInviteeEmail(_ context.Context, email string) ([]models.Deal, error) {
	var out []models.Deal
	for _, d := range s.deals {
		for _, p := range d.Participants() {
			if p.ID == "" && p.Email == email {
				out = append(out, *cloneDeal(d))
				break
			}
		}
	}
	return out, nil
}

type fakeUserDirectory struct {
	byEmail   map[string]*models.User
	companies map[uuid.UUID]*models.Company
}

func newFakeUserDirectory(users ...*models.User) *fakeUserDirectory {
	d := &fakeUserDirectory{
		byEmail:   map[string]*models.User{},
		companies: map[uuid.UUID]*models.Company{},
	}
	for _, u := range users {
		d.byEmail[u.Email] = u
	}
	return d
}

func (d *fakeUserDirectory) GetByEmail(_ context.Context, email string) (*models.User, error) {
	u, ok := d.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("user %s not found", email)
	}
	return u, nil
}

func (d *fakeUserDirectory) UpdateCompany(_ context.Context, id uuid.UUID, company *models.Company) error {
	d.companies[id] = company
	return nil
}

type fakeDealLogStore struct {
	syncJobs    []models.SyncLogJob
	deactivated []string
}

func (s *fakeDealLogStore) ListByDealID(context.Context, int64) ([]models.DealLog, error) {
	return nil, nil
}

func (s *fakeDealLogStore) CreateSyncJob(_ context.Context, j *models.SyncLogJob) error {
	s.syncJobs = append(s.syncJobs, *j)
	return nil
}

func (s *fakeDealLogStore) DeactivateSyncJob(_ context.Context, contract string) error {
	s.deactivated = append(s.deactivated, contract)
	return nil
}

type fakeSettlement struct {
	kind       string
	escrows    int
	payCalls   []int
	completed  int
	failEscrow bool
	failPay    bool
}

func (b *fakeSettlement) Kind() string { return b.kind }

func (b *fakeSettlement) CreateDealEscrow(_ context.Context, d *models.Deal) error {
	if b.failEscrow {
		return fmt.Errorf("node unavailable")
	}
	b.escrows++
	switch b.kind {
	case models.SettlementKindEVM:
		nftID := int64(7)
		d.NftID = &nftID
		d.MintTxHash = "0xmint"
		d.VaultAddress = "0xVault"
	case models.SettlementKindXRPL:
		d.XrplVaultAddress = "rVault"
		d.XrplVaultSeedEnc = "enc:sVault"
		d.XrplBorrowerAddress = "rBorrower"
		d.XrplBorrowerSeedEnc = "enc:sBorrower"
	}
	return nil
}

func (b *fakeSettlement) PayMilestone(_ context.Context, _ *models.Deal, idx int) (string, error) {
	if b.failPay {
		return "", fmt.Errorf("node unavailable")
	}
	b.payCalls = append(b.payCalls, idx)
	return "0xpay", nil
}

func (b *fakeSettlement) MarkCompleted(context.Context, *models.Deal) (string, error) {
	b.completed++
	return "0xdone", nil
}

type stubPublisher struct{ published []events.Event }

func (p *stubPublisher) Publish(_ context.Context, _ string, e events.Event) error {
	p.published = append(p.published, e)
	return nil
}

func (p *stubPublisher) countOf(eventType string) int {
	n := 0
	for _, e := range p.published {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// --- helpers ---

type dealServiceFixture struct {
	store   *fakeDealStore
	users   *fakeUserDirectory
	logs    *fakeDealLogStore
	backend *fakeSettlement
	pub     *stubPublisher
	svc     *DealService
}

func newDealServiceFixture(cfg *config.Config, backend *fakeSettlement, deals ...*models.Deal) *dealServiceFixture {
	f := &dealServiceFixture{
		store:   newFakeDealStore(deals...),
		users:   newFakeUserDirectory(),
		logs:    &fakeDealLogStore{},
		backend: backend,
		pub:     &stubPublisher{},
	}
	f.svc = NewDealService(
		f.store, f.users, f.logs,
		map[string]settlement.Backend{backend.kind: backend}, backend,
		NewNotifierClient("", zap.NewNop()),
		NewFinanceClient("", zap.NewNop()),
		f.pub, cfg, zap.NewNop(),
	)
	return f
}

const (
	buyerID    = "11111111-1111-1111-1111-111111111111"
	supplierID = "22222222-2222-2222-2222-222222222222"
)

func twoSidedDeal(kind string) *models.Deal {
	return &models.Deal{
		ID:             uuid.New(),
		Name:           "Mango shipment",
		Status:         models.DealStatusProposal,
		SettlementKind: kind,
		Buyers: []models.Participant{
			{ID: buyerID, Email: "buyer@x.com", WalletAddress: "0x00000000000000000000000000000000000000CC"},
		},
		Suppliers: []models.Participant{
			{ID: supplierID, Email: "supplier@x.com"},
		},
		Milestones: []models.Milestone{
			{ID: "m0", FundsDistribution: 20, ApprovalStatus: models.MilestoneApprovalPending, Docs: []models.DocumentFile{}},
			{ID: "m1", FundsDistribution: 30, ApprovalStatus: models.MilestoneApprovalPending, Docs: []models.DocumentFile{}},
			{ID: "m2", FundsDistribution: 50, ApprovalStatus: models.MilestoneApprovalPending, Docs: []models.DocumentFile{}},
		},
		InvestmentAmount: 10000,
	}
}

func confirmedEVMDeal() *models.Deal {
	d := twoSidedDeal(models.SettlementKindEVM)
	d.Status = models.DealStatusConfirmed
	d.Buyers[0].Approved = true
	d.Suppliers[0].Approved = true
	nftID := int64(7)
	d.NftID = &nftID
	d.VaultAddress = "0xVault"
	d.Milestones[0].Status = models.MilestoneStatusInProgress
	return d
}

func wantStatus(t *testing.T, err error, status int) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	if got := apperrors.StatusOf(err); got != status {
		t.Fatalf("status = %d (%v), want %d", got, err, status)
	}
}

// --- deal creation ---

func TestCreateDealLeavesSettlementUntouched(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	f := newDealServiceFixture(&config.Config{}, backend)
	creator := &models.User{ID: uuid.MustParse(buyerID), Email: "buyer@x.com", AccountType: models.AccountTypeBuyer}
	f.users.byEmail[creator.Email] = creator

	deal := twoSidedDeal(models.SettlementKindEVM)
	deal.ID = uuid.Nil
	created, err := f.svc.CreateDeal(context.Background(), creator, deal)
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}

	if created.Status != models.DealStatusProposal {
		t.Fatalf("status = %q, want proposal", created.Status)
	}
	if backend.escrows != 0 {
		t.Fatal("creation must never touch the settlement backend")
	}
	if !created.Buyers[0].Approved {
		t.Fatal("creator's own entry starts approved")
	}
	if created.Buyers[0].New {
		t.Fatal("creator's own entry is not new")
	}
	if !created.Suppliers[0].New {
		t.Fatal("counterparty entry starts new")
	}
}

func TestCreateDealWithAutoAcceptanceStillWaitsForApprovals(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	f := newDealServiceFixture(&config.Config{AutomaticDealsAcceptance: true}, backend)
	creator := &models.User{ID: uuid.MustParse(buyerID), Email: "buyer@x.com", AccountType: models.AccountTypeBuyer}
	f.users.byEmail[creator.Email] = creator

	deal := twoSidedDeal(models.SettlementKindEVM)
	deal.ID = uuid.Nil
	created, err := f.svc.CreateDeal(context.Background(), creator, deal)
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if created.Status != models.DealStatusProposal {
		t.Fatalf("status = %q, want proposal", created.Status)
	}
	if created.Suppliers[0].Approved {
		t.Fatal("counterparty must not be force-approved at creation")
	}
	if backend.escrows != 0 {
		t.Fatal("no escrow before unanimous approval")
	}
}

func TestCreateDealPersistsCreatorCompany(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	f := newDealServiceFixture(&config.Config{}, backend)
	creator := &models.User{ID: uuid.MustParse(supplierID), Email: "supplier@x.com", AccountType: models.AccountTypeSupplier}
	f.users.byEmail[creator.Email] = creator

	deal := twoSidedDeal(models.SettlementKindEVM)
	deal.ID = uuid.Nil
	deal.BuyerCompany = &models.Company{Name: "Fruta Norte"}
	deal.SupplierCompany = &models.Company{Name: "Agro Sur", Country: "PE"}
	if _, err := f.svc.CreateDeal(context.Background(), creator, deal); err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}

	saved := f.users.companies[creator.ID]
	if saved == nil || saved.Name != "Agro Sur" {
		t.Fatalf("creator company = %+v, want supplier company", saved)
	}
}

// --- confirmation ---

func TestConfirmDealPartialApprovalAnnounces(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := twoSidedDeal(models.SettlementKindEVM)
	f := newDealServiceFixture(&config.Config{AutomaticDealsAcceptance: true}, backend, deal)

	got, err := f.svc.ConfirmDeal(context.Background(), buyerID, deal.ID)
	if err != nil {
		t.Fatalf("ConfirmDeal: %v", err)
	}
	if got.Status != models.DealStatusProposal {
		t.Fatalf("status = %q, want proposal until unanimity", got.Status)
	}
	if f.pub.countOf(events.EventDealConfirmed) != 1 {
		t.Fatal("every recorded approval publishes a confirmation event")
	}
	if backend.escrows != 0 {
		t.Fatal("no escrow before unanimity")
	}
}

func TestConfirmDealUnanimityWithoutAutoAcceptance(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := twoSidedDeal(models.SettlementKindEVM)
	deal.Suppliers[0].Approved = true
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	got, err := f.svc.ConfirmDeal(context.Background(), buyerID, deal.ID)
	if err != nil {
		t.Fatalf("ConfirmDeal: %v", err)
	}
	if got.Status != models.DealStatusConfirmed {
		t.Fatalf("status = %q, want confirmed", got.Status)
	}
	if got.Milestones[0].Status != models.MilestoneStatusInProgress {
		t.Fatal("first milestone starts in progress on confirmation")
	}
	if backend.escrows != 0 {
		t.Fatal("escrow provisioning is gated on automatic acceptance")
	}
}

func TestConfirmDealAutoAcceptanceProvisionsEscrow(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := twoSidedDeal(models.SettlementKindEVM)
	deal.Suppliers[0].Approved = true
	f := newDealServiceFixture(&config.Config{AutomaticDealsAcceptance: true}, backend, deal)

	if _, err := f.svc.ConfirmDeal(context.Background(), buyerID, deal.ID); err != nil {
		t.Fatalf("ConfirmDeal: %v", err)
	}

	stored, _ := f.store.GetByID(context.Background(), deal.ID)
	if stored.Status != models.DealStatusConfirmed {
		t.Fatalf("status = %q, want confirmed", stored.Status)
	}
	if backend.escrows != 1 {
		t.Fatalf("escrows = %d, want 1", backend.escrows)
	}
	if stored.NftID == nil || *stored.NftID != 7 || stored.VaultAddress != "0xVault" {
		t.Fatalf("linkage not persisted: %+v", stored)
	}
	if len(f.logs.syncJobs) != 1 || f.logs.syncJobs[0].Contract != "0xVault" || f.logs.syncJobs[0].DealID != 7 || !f.logs.syncJobs[0].Active {
		t.Fatalf("sync jobs = %+v", f.logs.syncJobs)
	}
}

func TestConfirmDealXRPLLinkagePersisted(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindXRPL}
	deal := twoSidedDeal(models.SettlementKindXRPL)
	deal.Suppliers[0].Approved = true
	f := newDealServiceFixture(&config.Config{AutomaticDealsAcceptance: true, UseXRPL: true}, backend, deal)

	if _, err := f.svc.ConfirmDeal(context.Background(), buyerID, deal.ID); err != nil {
		t.Fatalf("ConfirmDeal: %v", err)
	}
	stored, _ := f.store.GetByID(context.Background(), deal.ID)
	if stored.XrplVaultAddress != "rVault" || stored.XrplBorrowerAddress != "rBorrower" {
		t.Fatalf("ledger linkage not persisted: %+v", stored)
	}
	if len(f.logs.syncJobs) != 0 {
		t.Fatal("ledger deals have no vault sync job")
	}
}

func TestConfirmDealEscrowFailureKeepsConfirmation(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM, failEscrow: true}
	deal := twoSidedDeal(models.SettlementKindEVM)
	deal.Suppliers[0].Approved = true
	f := newDealServiceFixture(&config.Config{AutomaticDealsAcceptance: true}, backend, deal)

	got, err := f.svc.ConfirmDeal(context.Background(), buyerID, deal.ID)
	if err != nil {
		t.Fatalf("ConfirmDeal: %v", err)
	}
	if got.Status != models.DealStatusConfirmed {
		t.Fatalf("status = %q, escrow failure must not undo confirmation", got.Status)
	}
	stored, _ := f.store.GetByID(context.Background(), deal.ID)
	if stored.NftID != nil {
		t.Fatal("no linkage recorded for a failed escrow")
	}
}

// --- proposal editing ---

func TestUpdateDealRejectsEmptyPayload(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := twoSidedDeal(models.SettlementKindEVM)
	deal.Suppliers[0].Approved = true
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	_, err := f.svc.UpdateDeal(context.Background(), buyerID, deal.ID, UpdateDealChanges{})
	wantStatus(t, err, 400)

	stored, _ := f.store.GetByID(context.Background(), deal.ID)
	if !stored.Suppliers[0].Approved {
		t.Fatal("a rejected edit must not reset approvals")
	}
}

func TestUpdateDealResetsOtherApprovals(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := twoSidedDeal(models.SettlementKindEVM)
	deal.Buyers[0].Approved = true
	deal.Suppliers[0].Approved = true
	deal.Status = models.DealStatusProposal
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	name := "Mango shipment, second lot"
	got, err := f.svc.UpdateDeal(context.Background(), buyerID, deal.ID, UpdateDealChanges{Name: &name})
	if err != nil {
		t.Fatalf("UpdateDeal: %v", err)
	}
	if got.Name != name {
		t.Fatalf("name = %q", got.Name)
	}
	if !got.Buyers[0].Approved || got.Suppliers[0].Approved {
		t.Fatal("edit keeps only the editor's approval")
	}
}

// --- milestone review ---

func TestApproveMilestoneReleasesFundsWithoutSignature(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := confirmedEVMDeal()
	deal.Milestones[0].ApprovalStatus = models.MilestoneApprovalSubmitted
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	got, err := f.svc.ApproveMilestone(context.Background(), buyerID, deal.ID)
	if err != nil {
		t.Fatalf("ApproveMilestone: %v", err)
	}
	if got.Milestones[0].ApprovalStatus != models.MilestoneApprovalApproved {
		t.Fatalf("approval = %q", got.Milestones[0].ApprovalStatus)
	}
	if got.CurrentMilestone != 0 {
		t.Fatalf("pointer = %d, approval must not advance it", got.CurrentMilestone)
	}
	if len(backend.payCalls) != 1 || backend.payCalls[0] != 0 {
		t.Fatalf("payouts = %v, want [0]", backend.payCalls)
	}
}

func TestApproveMilestoneRequiresSubmission(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := confirmedEVMDeal()
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	_, err := f.svc.ApproveMilestone(context.Background(), buyerID, deal.ID)
	wantStatus(t, err, 400)
	if len(backend.payCalls) != 0 {
		t.Fatal("no payout for an unsubmitted milestone")
	}
}

func TestApproveMilestoneBuyerOnly(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := confirmedEVMDeal()
	deal.Milestones[0].ApprovalStatus = models.MilestoneApprovalSubmitted
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	_, err := f.svc.ApproveMilestone(context.Background(), supplierID, deal.ID)
	wantStatus(t, err, 403)
}

func TestApproveLastMilestoneFinishesDeal(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := confirmedEVMDeal()
	deal.CurrentMilestone = 2
	deal.Milestones[2].ApprovalStatus = models.MilestoneApprovalSubmitted
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	got, err := f.svc.ApproveMilestone(context.Background(), buyerID, deal.ID)
	if err != nil {
		t.Fatalf("ApproveMilestone: %v", err)
	}
	if got.Status != models.DealStatusFinished {
		t.Fatalf("status = %q, want finished", got.Status)
	}
	if f.pub.countOf(events.EventDealCompleted) != 1 {
		t.Fatal("finishing the deal publishes a completion event")
	}
}

// --- milestone advance ---

func signAdvance(t *testing.T, message string) (signature, address string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return hexutil.Encode(sig), crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func TestUpdateCurrentMilestoneAcceptsBuyerSignature(t *testing.T) {
	sig, wallet := signAdvance(t, "Approve milestone 1 of deal 7")
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := confirmedEVMDeal()
	deal.Buyers[0].WalletAddress = wallet
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	got, err := f.svc.UpdateCurrentMilestone(context.Background(), buyerID, deal.ID, 1, sig)
	if err != nil {
		t.Fatalf("UpdateCurrentMilestone: %v", err)
	}
	if got.CurrentMilestone != 1 {
		t.Fatalf("pointer = %d, want 1", got.CurrentMilestone)
	}
	if got.Milestones[1].Status != models.MilestoneStatusInProgress {
		t.Fatal("advanced milestone starts in progress")
	}
	if len(backend.payCalls) != 1 || backend.payCalls[0] != 0 {
		t.Fatalf("payouts = %v, want [0]", backend.payCalls)
	}
}

func TestUpdateCurrentMilestoneRejectsWrongIndexSignature(t *testing.T) {
	// the signature covers the milestone being advanced to, a signature
	// over the current index does not authorize the advance
	sig, wallet := signAdvance(t, "Approve milestone 0 of deal 7")
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := confirmedEVMDeal()
	deal.Buyers[0].WalletAddress = wallet
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	_, err := f.svc.UpdateCurrentMilestone(context.Background(), buyerID, deal.ID, 1, sig)
	wantStatus(t, err, 403)
	if len(backend.payCalls) != 0 {
		t.Fatal("no payout on a rejected signature")
	}
}

func TestUpdateCurrentMilestoneStrictSuccessor(t *testing.T) {
	sig, wallet := signAdvance(t, "Approve milestone 2 of deal 7")
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := confirmedEVMDeal()
	deal.Buyers[0].WalletAddress = wallet
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	_, err := f.svc.UpdateCurrentMilestone(context.Background(), buyerID, deal.ID, 2, sig)
	wantStatus(t, err, 400)
}

func TestUpdateCurrentMilestoneBuyerOnly(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := confirmedEVMDeal()
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	_, err := f.svc.UpdateCurrentMilestone(context.Background(), supplierID, deal.ID, 1, "0xsig")
	wantStatus(t, err, 401)
}

func TestUpdateCurrentMilestoneRequiresMintedToken(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := confirmedEVMDeal()
	deal.NftID = nil
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	_, err := f.svc.UpdateCurrentMilestone(context.Background(), buyerID, deal.ID, 1, "0xsig")
	wantStatus(t, err, 400)
}

// --- full lifecycle ---

func TestDealLifecycleToRepaid(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindXRPL}
	deal := twoSidedDeal(models.SettlementKindXRPL)
	deal.Status = models.DealStatusConfirmed
	deal.Buyers[0].Approved = true
	deal.Suppliers[0].Approved = true
	deal.XrplVaultAddress = "rVault"
	deal.XrplBorrowerAddress = "rBorrower"
	deal.Milestones[0].Status = models.MilestoneStatusInProgress
	f := newDealServiceFixture(&config.Config{UseXRPL: true}, backend, deal)
	ctx := context.Background()

	for i := 0; i < len(deal.Milestones); i++ {
		if _, err := f.svc.SubmitMilestone(ctx, supplierID, deal.ID); err != nil {
			t.Fatalf("submit milestone %d: %v", i, err)
		}
		got, err := f.svc.ApproveMilestone(ctx, buyerID, deal.ID)
		if err != nil {
			t.Fatalf("approve milestone %d: %v", i, err)
		}
		if i < len(deal.Milestones)-1 {
			if _, err := f.svc.UpdateCurrentMilestone(ctx, buyerID, deal.ID, i+1, ""); err != nil {
				t.Fatalf("advance to milestone %d: %v", i+1, err)
			}
		} else if got.Status != models.DealStatusFinished {
			t.Fatalf("status after last approval = %q, want finished", got.Status)
		}
	}

	got, err := f.svc.SetDealAsRepaid(ctx, models.AccountTypeBuyer, deal.ID)
	if err != nil {
		t.Fatalf("SetDealAsRepaid: %v", err)
	}
	if got.Status != models.DealStatusRepaid {
		t.Fatalf("status = %q, want repaid", got.Status)
	}
	if backend.completed != 1 {
		t.Fatalf("completed = %d, want 1", backend.completed)
	}
	if f.pub.countOf(events.EventDealRepaid) != 1 {
		t.Fatal("repayment publishes its event")
	}
}

func TestSetDealAsRepaidBuyerOnly(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := confirmedEVMDeal()
	deal.Status = models.DealStatusFinished
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	_, err := f.svc.SetDealAsRepaid(context.Background(), models.AccountTypeSupplier, deal.ID)
	wantStatus(t, err, 401)
}

func TestSetDealAsRepaidRequiresFinished(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := confirmedEVMDeal()
	f := newDealServiceFixture(&config.Config{}, backend, deal)

	_, err := f.svc.SetDealAsRepaid(context.Background(), models.AccountTypeBuyer, deal.ID)
	wantStatus(t, err, 400)
}

// --- milestone documents ---

func TestUploadMilestoneDocumentCurrentOnly(t *testing.T) {
	backend := &fakeSettlement{kind: models.SettlementKindEVM}
	deal := confirmedEVMDeal()
	f := newDealServiceFixture(&config.Config{}, backend, deal)
	ctx := context.Background()

	_, err := f.svc.UploadMilestoneDocument(ctx, supplierID, deal.ID, "m1", "https://docs/x.pdf", "packing list")
	wantStatus(t, err, 403)

	got, err := f.svc.UploadMilestoneDocument(ctx, supplierID, deal.ID, "m0", "https://docs/x.pdf", "packing list")
	if err != nil {
		t.Fatalf("UploadMilestoneDocument: %v", err)
	}
	if len(got.Milestones[0].Docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(got.Milestones[0].Docs))
	}
}
