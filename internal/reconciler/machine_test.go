package reconciler_test

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"petmarket/internal/catalogue"
	"petmarket/internal/journal"
	"petmarket/internal/ledger"
	ledgermocks "petmarket/internal/ledger/mocks"
	"petmarket/internal/metadata"
	metadatamocks "petmarket/internal/metadata/mocks"
	"petmarket/internal/ownership"
	"petmarket/internal/reconciler"
	"petmarket/internal/reconciler/guard"
	"petmarket/internal/reconciler/mocks"
	"petmarket/internal/session"
	"petmarket/pkg/domain"
)

var (
	market = domain.MustAddress("0x01cf0e2f2f715450")
	alice  = domain.MustAddress("0x179b6b1cb6755e31")
	bob    = domain.MustAddress("0xf3fcd2c1a78f5eee")

	aliceUp = session.Identity{Address: alice, Authenticated: true, Activated: true, Version: 2}
	bobUp   = session.Identity{Address: bob, Authenticated: true, Activated: true, Version: 3}

	corgi = catalogue.Descriptor{
		ID:          "corgi",
		Name:        "Corgi",
		Description: "Short legs, big opinions.",
		Photo:       "images/corgi.jpg",
		Attributes:  map[string]string{"breed": "Pembroke Welsh Corgi", "sound": "woof"},
	}
	pug = catalogue.Descriptor{
		ID:         "pug",
		Name:       "Pug",
		Attributes: map[string]string{"breed": "Pug", "sound": "snort"},
	}
)

var errUnreachable = ledger.NewError(ledger.KindTransport, "script", "connection refused", nil)

type MachineSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	owners  *mocks.MockOwnership
	ledger  *ledgermocks.MockSubmitter
	store   *metadatamocks.MockStore
	machine *reconciler.Machine
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineSuite))
}

func (s *MachineSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.owners = mocks.NewMockOwnership(s.ctrl)
	s.ledger = ledgermocks.NewMockSubmitter(s.ctrl)
	s.store = metadatamocks.NewMockStore(s.ctrl)
	s.machine = s.newMachine(reconciler.Deps{})
}

func (s *MachineSuite) newMachine(deps reconciler.Deps) *reconciler.Machine {
	deps.Ownership = s.owners
	deps.Ledger = s.ledger
	deps.Metadata = s.store
	return reconciler.NewMachine(corgi, market, deps)
}

// resolveUnminted brings the machine to NotMinted for id.
func (s *MachineSuite) resolveUnminted(id session.Identity) {
	s.owners.EXPECT().AllTokens(gomock.Any()).Return(domain.NewTokenSet(), nil)
	s.Require().NoError(s.machine.Resync(context.Background(), id))
	s.Require().Equal(reconciler.StateNotMinted, s.machine.View().State)
}

// resolveOwned binds token 7 held by owner.
func (s *MachineSuite) resolveOwned(id session.Identity, owner domain.Address) {
	s.owners.EXPECT().AllTokens(gomock.Any()).Return(domain.NewTokenSet(3, 7), nil)
	s.owners.EXPECT().FindByAttributes(gomock.Any(), domain.NewTokenSet(3, 7), corgi).Return(domain.TokenID(7), true, nil)
	s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.OwnedBy(owner), nil)
	s.Require().NoError(s.machine.Resync(context.Background(), id))
}

func (s *MachineSuite) expectSettle(kind ledger.TxKind, authorizer domain.Address, txID ledger.TxID, err error) {
	s.ledger.EXPECT().SubmitTransaction(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, tx ledger.Transaction) (ledger.TxID, error) {
			s.Equal(kind, tx.Kind)
			s.Equal(authorizer, tx.Authorizer)
			return txID, nil
		})
	s.ledger.EXPECT().AwaitSettlement(gomock.Any(), txID).Return(err)
}

func (s *MachineSuite) TestResync() {
	s.Run("starts loading", func() {
		v := s.machine.View()
		s.Equal(reconciler.StateLoading, v.State)
		s.Equal(reconciler.LabelLoading, v.Actions.Label)
		s.Equal("images/corgi.jpg", v.Image)
	})

	s.Run("no matching token is not minted", func() {
		s.owners.EXPECT().AllTokens(gomock.Any()).Return(domain.NewTokenSet(1, 2), nil)
		s.owners.EXPECT().FindByAttributes(gomock.Any(), domain.NewTokenSet(1, 2), corgi).Return(domain.TokenID(0), false, nil)

		s.Require().NoError(s.machine.Resync(context.Background(), aliceUp))
		v := s.machine.View()
		s.Equal(reconciler.StateNotMinted, v.State)
		s.Nil(v.TokenID)
		s.True(v.Actions.Mint)
	})

	s.Run("matching token binds and resolves its owner", func() {
		s.resolveOwned(aliceUp, alice)
		v := s.machine.View()
		s.Equal(reconciler.StateOwnedByUser, v.State)
		s.Require().NotNil(v.TokenID)
		s.Equal(domain.TokenID(7), *v.TokenID)
		s.Equal(alice, v.Owner)
	})

	s.Run("bound token is queried directly", func() {
		s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.OwnedBy(alice), nil)
		s.Require().NoError(s.machine.Resync(context.Background(), bobUp))
		s.Equal(reconciler.StateUnavailable, s.machine.View().State)
	})

	s.Run("transport failure reads as loading with the error", func() {
		s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.Record{}, errUnreachable)
		err := s.machine.Resync(context.Background(), bobUp)
		s.True(ledger.IsTransport(err))

		v := s.machine.View()
		s.Equal(reconciler.StateLoading, v.State)
		s.Contains(v.Error, "connection refused")
		s.False(v.Actions.Release || v.Actions.Adopt || v.Actions.Mint)
	})
}

func (s *MachineSuite) TestMint() {
	s.resolveUnminted(aliceUp)

	var uploaded metadata.Document
	var minted ledger.Transaction
	gomock.InOrder(
		s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(1, 2), nil),
		s.store.EXPECT().Upload(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, doc metadata.Document) (metadata.Token, error) {
				uploaded = doc
				return metadata.Token{URI: "ipfs://bafymeta", HTTPURL: "https://gw.test/ipfs/bafymeta"}, nil
			}),
		s.ledger.EXPECT().SubmitTransaction(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, tx ledger.Transaction) (ledger.TxID, error) {
				minted = tx
				return "tx-mint", nil
			}),
		s.ledger.EXPECT().AwaitSettlement(gomock.Any(), ledger.TxID("tx-mint")).Return(nil),
		s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(1, 2, 5), nil),
		s.owners.EXPECT().MetadataOf(gomock.Any(), domain.TokenID(5)).Return(corgi.Metadata(), nil),
		s.store.EXPECT().Fetch(gomock.Any(), "ipfs://bafymeta").Return(metadata.Document{Image: "ipfs://bafyimg/corgi.jpg"}, nil),
		s.store.EXPECT().ResolveURI("ipfs://bafyimg/corgi.jpg").Return("https://gw.test/ipfs/bafyimg/corgi.jpg", nil),
	)

	s.Require().NoError(s.machine.Mint(context.Background()))

	v := s.machine.View()
	s.Equal(reconciler.StateOwnedByMarketplace, v.State)
	s.Equal(market, v.Owner)
	s.Require().NotNil(v.TokenID)
	s.Equal(domain.TokenID(5), *v.TokenID)
	s.Equal("https://gw.test/ipfs/bafyimg/corgi.jpg", v.Image)
	s.True(v.Actions.Adopt)

	s.Equal("Corgi", uploaded.Name)
	s.Equal(corgi.Metadata(), uploaded.Properties)
	s.Equal(ledger.TxMintToken, minted.Kind)
	s.Equal(market, minted.Authorizer)
	s.Equal([]ledger.Arg{ledger.Dictionary(corgi.Metadata()), ledger.String("ipfs://bafymeta")}, minted.Args)
}

func (s *MachineSuite) TestMint_ScansRemainingNewTokens() {
	s.resolveUnminted(aliceUp)

	s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(1, 2), nil)
	s.store.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(metadata.Token{}, nil)
	s.expectSettle(ledger.TxMintToken, market, "tx-mint", nil)
	s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(1, 2, 4, 5), nil)
	s.owners.EXPECT().MetadataOf(gomock.Any(), domain.TokenID(5)).Return(pug.Metadata(), nil)
	s.owners.EXPECT().FindByAttributes(gomock.Any(), domain.NewTokenSet(4), corgi).Return(domain.TokenID(4), true, nil)

	s.Require().NoError(s.machine.Mint(context.Background()))
	v := s.machine.View()
	s.Require().NotNil(v.TokenID)
	s.Equal(domain.TokenID(4), *v.TokenID)
	s.Equal(reconciler.StateOwnedByMarketplace, v.State)
}

func (s *MachineSuite) TestMint_ConsistencyErrors() {
	s.Run("mismatching single new token", func() {
		s.resolveUnminted(aliceUp)
		s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(1, 2), nil)
		s.store.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(metadata.Token{}, nil)
		s.expectSettle(ledger.TxMintToken, market, "tx-1", nil)
		s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(1, 2, 5), nil)
		s.owners.EXPECT().MetadataOf(gomock.Any(), domain.TokenID(5)).Return(pug.Metadata(), nil)

		err := s.machine.Mint(context.Background())
		s.True(reconciler.IsConsistency(err))

		var opErr *reconciler.OperationError
		s.Require().ErrorAs(err, &opErr)
		s.Equal(domain.AssetID("corgi"), opErr.Asset)
		s.Equal(ledger.TxID("tx-1"), opErr.TxID)

		v := s.machine.View()
		s.Equal(reconciler.StateNotMinted, v.State)
		s.Nil(v.TokenID)
		s.Contains(v.Error, "corgi")
	})

	s.Run("no token added", func() {
		s.resolveUnminted(aliceUp)
		s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(1, 2), nil)
		s.store.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(metadata.Token{}, nil)
		s.expectSettle(ledger.TxMintToken, market, "tx-2", nil)
		s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(1, 2), nil)

		err := s.machine.Mint(context.Background())
		var ce *reconciler.ConsistencyError
		s.Require().ErrorAs(err, &ce)
		s.Equal(domain.NewTokenSet(1, 2), ce.Before)
		s.NotEqual(reconciler.StateOwnedByMarketplace, s.machine.View().State)
	})

	s.Run("token removed", func() {
		s.resolveUnminted(aliceUp)
		s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(1, 2), nil)
		s.store.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(metadata.Token{}, nil)
		s.expectSettle(ledger.TxMintToken, market, "tx-3", nil)
		s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(2), nil)

		s.True(reconciler.IsConsistency(s.machine.Mint(context.Background())))
		s.Equal(reconciler.StateNotMinted, s.machine.View().State)
	})
}

func (s *MachineSuite) TestMint_FailureRestoresState() {
	s.resolveUnminted(aliceUp)

	s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(1), nil)
	s.store.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(metadata.Token{}, nil)
	s.expectSettle(ledger.TxMintToken, market, "tx-1", ledger.NewError(ledger.KindRejected, "await", "panic", nil))

	err := s.machine.Mint(context.Background())
	s.Equal(ledger.KindRejected, ledger.KindOf(err))

	v := s.machine.View()
	s.Equal(reconciler.StateNotMinted, v.State)
	s.Equal(reconciler.PhaseIdle, v.Phase)
	s.True(v.Actions.Mint, "a failed mint can be retried")
}

func (s *MachineSuite) TestMint_RejectedWithoutNetworkCall() {
	s.Run("already minted", func() {
		s.resolveOwned(aliceUp, market)
		err := s.machine.Mint(context.Background())

		var gate *reconciler.GatingError
		s.Require().ErrorAs(err, &gate)
		s.Equal(reconciler.StateOwnedByMarketplace, gate.State)
	})

	s.Run("not activated", func() {
		s.machine = s.newMachine(reconciler.Deps{})
		s.resolveUnminted(session.Identity{Address: alice, Authenticated: true})

		var gate *reconciler.GatingError
		s.Require().ErrorAs(s.machine.Mint(context.Background()), &gate)
		s.Equal(reconciler.LabelNotActivated, gate.Label)
	})

	s.Run("still loading", func() {
		s.machine = s.newMachine(reconciler.Deps{})
		var gate *reconciler.GatingError
		s.ErrorAs(s.machine.Mint(context.Background()), &gate)
	})
}

func (s *MachineSuite) TestConcurrentMint() {
	s.resolveUnminted(aliceUp)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	s.owners.EXPECT().TokensOf(gomock.Any(), market).DoAndReturn(func(context.Context, domain.Address) (domain.TokenSet, error) {
		close(entered)
		<-proceed
		return domain.NewTokenSet(1), nil
	})
	s.store.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(metadata.Token{}, nil)
	s.expectSettle(ledger.TxMintToken, market, "tx-1", nil)
	s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(1, 2), nil)
	s.owners.EXPECT().MetadataOf(gomock.Any(), domain.TokenID(2)).Return(corgi.Metadata(), nil)

	first := make(chan error, 1)
	go func() { first <- s.machine.Mint(context.Background()) }()
	<-entered

	s.Equal(reconciler.StateMinting, s.machine.View().State)
	s.Equal(reconciler.LabelMinting, s.machine.View().Actions.Label)

	err := s.machine.Mint(context.Background())
	var ce *reconciler.ConcurrentOperationError
	s.Require().ErrorAs(err, &ce)
	s.Equal(string(reconciler.PhaseMinting), ce.Pending)

	close(proceed)
	s.Require().NoError(<-first)
	s.Equal(reconciler.StateOwnedByMarketplace, s.machine.View().State)
}

func (s *MachineSuite) TestWriteIgnoresCallerCancellation() {
	s.resolveUnminted(aliceUp)

	ctx, cancel := context.WithCancel(context.Background())
	s.owners.EXPECT().TokensOf(gomock.Any(), market).DoAndReturn(func(ctx context.Context, _ domain.Address) (domain.TokenSet, error) {
		cancel()
		s.NoError(ctx.Err())
		return domain.NewTokenSet(), nil
	})
	s.store.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(metadata.Token{}, nil)
	s.expectSettle(ledger.TxMintToken, market, "tx-1", nil)
	s.owners.EXPECT().TokensOf(gomock.Any(), market).Return(domain.NewTokenSet(1), nil)
	s.owners.EXPECT().MetadataOf(gomock.Any(), domain.TokenID(1)).Return(corgi.Metadata(), nil)

	s.Require().NoError(s.machine.Mint(ctx))
	s.Equal(reconciler.StateOwnedByMarketplace, s.machine.View().State)
}

func (s *MachineSuite) TestAdoptReleaseRoundTrip() {
	s.resolveOwned(aliceUp, market)

	s.expectSettle(ledger.TxTransferToken, market, "tx-adopt", nil)
	s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.OwnedBy(alice), nil)
	s.Require().NoError(s.machine.Adopt(context.Background()))

	v := s.machine.View()
	s.Equal(reconciler.StateOwnedByUser, v.State)
	s.Equal(alice, v.Owner)
	s.Equal(domain.TokenID(7), *v.TokenID)
	s.True(v.Actions.Release)

	s.expectSettle(ledger.TxTransferToMarketplace, alice, "tx-release", nil)
	s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.Record{}, errUnreachable)
	s.Require().NoError(s.machine.Release(context.Background()))

	v = s.machine.View()
	s.Equal(reconciler.StateOwnedByMarketplace, v.State)
	s.Equal(market, v.Owner)
	s.Equal(domain.TokenID(7), *v.TokenID)
}

func (s *MachineSuite) TestTransferArguments() {
	s.resolveOwned(aliceUp, market)

	s.ledger.EXPECT().SubmitTransaction(gomock.Any(), ledger.Transaction{
		Kind:       ledger.TxTransferToken,
		Args:       []ledger.Arg{ledger.TokenID(7), ledger.Address(alice)},
		Authorizer: market,
	}).Return(ledger.TxID("tx-adopt"), nil)
	s.ledger.EXPECT().AwaitSettlement(gomock.Any(), ledger.TxID("tx-adopt")).Return(nil)
	s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.OwnedBy(alice), nil)
	s.Require().NoError(s.machine.Adopt(context.Background()))

	s.ledger.EXPECT().SubmitTransaction(gomock.Any(), ledger.Transaction{
		Kind:       ledger.TxTransferToMarketplace,
		Args:       []ledger.Arg{ledger.TokenID(7)},
		Authorizer: alice,
	}).Return(ledger.TxID("tx-release"), nil)
	s.ledger.EXPECT().AwaitSettlement(gomock.Any(), ledger.TxID("tx-release")).Return(nil)
	s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.OwnedBy(market), nil)
	s.Require().NoError(s.machine.Release(context.Background()))
}

func (s *MachineSuite) TestTransfer_DefiniteRequeryWins() {
	s.resolveOwned(aliceUp, market)

	s.expectSettle(ledger.TxTransferToken, market, "tx-adopt", nil)
	s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.OwnedBy(bob), nil)
	s.Require().NoError(s.machine.Adopt(context.Background()))

	s.Equal(bob, s.machine.View().Owner)
	s.Equal(reconciler.StateUnavailable, s.machine.View().State)
}

func (s *MachineSuite) TestTransfer_FailureLeavesRecord() {
	s.resolveOwned(aliceUp, market)

	s.expectSettle(ledger.TxTransferToken, market, "tx-adopt", ledger.NewError(ledger.KindTimeout, "await", "not sealed", nil))
	err := s.machine.Adopt(context.Background())
	s.Equal(ledger.KindTimeout, ledger.KindOf(err))

	v := s.machine.View()
	s.Equal(reconciler.StateOwnedByMarketplace, v.State)
	s.Equal(market, v.Owner)
	s.NotEmpty(v.Error)
}

func (s *MachineSuite) TestWriteTimeoutBoundsSettlement() {
	s.machine = reconciler.NewMachine(corgi, market, reconciler.Deps{
		Ownership: s.owners,
		Ledger:    s.ledger,
		Metadata:  s.store,
	}, reconciler.WithWriteTimeout(20*time.Millisecond))
	s.resolveOwned(aliceUp, market)

	s.ledger.EXPECT().SubmitTransaction(gomock.Any(), gomock.Any()).Return(ledger.TxID("tx-slow"), nil)
	s.ledger.EXPECT().AwaitSettlement(gomock.Any(), ledger.TxID("tx-slow")).
		DoAndReturn(func(ctx context.Context, _ ledger.TxID) error {
			<-ctx.Done()
			return ledger.NewError(ledger.KindTimeout, "await", "settlement wait exceeded", ctx.Err())
		})

	err := s.machine.Adopt(context.Background())
	s.Equal(ledger.KindTimeout, ledger.KindOf(err))
	s.Equal(reconciler.StateOwnedByMarketplace, s.machine.View().State)
}

func (s *MachineSuite) TestRelease_OnlyByOwner() {
	s.resolveOwned(bobUp, alice)

	var gate *reconciler.GatingError
	s.Require().ErrorAs(s.machine.Release(context.Background()), &gate)
	s.Equal(reconciler.StateUnavailable, gate.State)
	s.Equal(reconciler.LabelNotAvailable, gate.Label)
}

func (s *MachineSuite) TestStaleReadIsDiscarded() {
	s.resolveOwned(aliceUp, alice)

	release := make(chan struct{})
	entered := make(chan struct{})
	s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).DoAndReturn(func(context.Context, domain.TokenID) (ownership.Record, error) {
		close(entered)
		<-release
		return ownership.OwnedBy(alice), nil
	})
	s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.OwnedBy(market), nil)

	stale := make(chan error, 1)
	go func() { stale <- s.machine.Resync(context.Background(), aliceUp) }()
	<-entered

	s.Require().NoError(s.machine.Resync(context.Background(), bobUp))
	close(release)
	s.Require().NoError(<-stale)

	v := s.machine.View()
	s.Equal(reconciler.StateOwnedByMarketplace, v.State)
	s.Equal(bobUp.Version, v.Identity)
	s.True(v.Actions.Adopt)
}

func (s *MachineSuite) TestWriteRejectedDuringRead() {
	s.resolveUnminted(aliceUp)

	release := make(chan struct{})
	entered := make(chan struct{})
	s.owners.EXPECT().AllTokens(gomock.Any()).DoAndReturn(func(context.Context) (domain.TokenSet, error) {
		close(entered)
		<-release
		return domain.NewTokenSet(), nil
	})

	done := make(chan error, 1)
	go func() { done <- s.machine.Resync(context.Background(), aliceUp) }()
	<-entered

	err := s.machine.Mint(context.Background())
	var ce *reconciler.ConcurrentOperationError
	s.Require().ErrorAs(err, &ce)
	s.Equal("ownership read", ce.Pending)

	close(release)
	s.Require().NoError(<-done)
}

func (s *MachineSuite) TestLogout() {
	s.resolveOwned(aliceUp, alice)
	s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.OwnedBy(alice), nil)

	s.Require().NoError(s.machine.Resync(context.Background(), session.Identity{Version: 9}))

	v := s.machine.View()
	s.Equal(reconciler.StateOwnedByOther, v.State)
	s.Equal(alice, v.Owner, "ownership stays visible")
	s.False(v.Actions.Mint || v.Actions.Adopt || v.Actions.Release)
}

func (s *MachineSuite) TestResyncDuringWriteOnlyTakesIdentity() {
	s.resolveOwned(aliceUp, market)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	s.ledger.EXPECT().SubmitTransaction(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, ledger.Transaction) (ledger.TxID, error) {
		close(entered)
		<-proceed
		return "tx-adopt", nil
	})
	s.ledger.EXPECT().AwaitSettlement(gomock.Any(), ledger.TxID("tx-adopt")).Return(nil)
	s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.OwnedBy(alice), nil)

	done := make(chan error, 1)
	go func() { done <- s.machine.Adopt(context.Background()) }()
	<-entered

	s.Require().NoError(s.machine.Resync(context.Background(), session.Identity{Version: 9}))
	s.Equal(reconciler.StateTransferring, s.machine.View().State)

	close(proceed)
	s.Require().NoError(<-done)

	v := s.machine.View()
	s.Equal(alice, v.Owner)
	s.Equal(reconciler.StateOwnedByOther, v.State, "signed out while the adoption settled")
}

func (s *MachineSuite) TestClosedMachineDropsLateResults() {
	s.resolveOwned(aliceUp, market)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	s.ledger.EXPECT().SubmitTransaction(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, ledger.Transaction) (ledger.TxID, error) {
		close(entered)
		<-proceed
		return "tx-adopt", nil
	})
	s.ledger.EXPECT().AwaitSettlement(gomock.Any(), ledger.TxID("tx-adopt")).Return(nil)
	s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.OwnedBy(alice), nil)

	done := make(chan error, 1)
	go func() { done <- s.machine.Adopt(context.Background()) }()
	<-entered

	s.machine.Close()
	close(proceed)
	s.Require().NoError(<-done)

	s.Equal(reconciler.StateTransferring, s.machine.View().State)
	s.ErrorIs(s.machine.Resync(context.Background(), aliceUp), reconciler.ErrClosed)
	s.ErrorIs(s.machine.Mint(context.Background()), reconciler.ErrClosed)
}

func (s *MachineSuite) TestGuardHeldElsewhere() {
	g := guard.NewMemory()
	s.machine = s.newMachine(reconciler.Deps{Guard: g})
	s.resolveUnminted(aliceUp)

	held, err := g.Acquire(context.Background(), corgi.ID, "mint")
	s.Require().NoError(err)
	defer held()

	err = s.machine.Mint(context.Background())
	s.ErrorAs(err, new(*reconciler.ConcurrentOperationError))
	s.Equal(reconciler.StateNotMinted, s.machine.View().State)
}

func (s *MachineSuite) TestJournal() {
	j := mocks.NewMockJournal(s.ctrl)
	s.machine = s.newMachine(reconciler.Deps{Journal: j})
	s.resolveOwned(aliceUp, market)

	var entries []journal.Entry
	j.EXPECT().Record(gomock.Any(), gomock.Any()).Times(2).Do(func(_ context.Context, e journal.Entry) {
		entries = append(entries, e)
	})
	s.expectSettle(ledger.TxTransferToken, market, "tx-adopt", nil)
	s.owners.EXPECT().OwnerOf(gomock.Any(), domain.TokenID(7)).Return(ownership.OwnedBy(alice), nil)

	s.Require().NoError(s.machine.Adopt(context.Background()))

	s.Require().Len(entries, 2)
	s.Equal(journal.StatusSubmitted, entries[0].Status)
	s.Equal(entries[0].ID, entries[1].ID)
	s.Equal(journal.KindAdopt, entries[1].Kind)
	s.Equal(journal.StatusSettled, entries[1].Status)
	s.Equal("tx-adopt", entries[1].TxID)
	s.Equal(alice, entries[1].Address)
	s.Equal(domain.TokenID(7), *entries[1].TokenID)
}

func (s *MachineSuite) TestSubmitReturnsOnceAccepted() {
	s.resolveUnminted(aliceUp)

	proceed := make(chan struct{})
	s.owners.EXPECT().TokensOf(gomock.Any(), market).DoAndReturn(func(context.Context, domain.Address) (domain.TokenSet, error) {
		<-proceed
		return nil, errUnreachable
	})

	done, err := s.machine.Submit(context.Background(), reconciler.OpMint)
	s.Require().NoError(err)
	s.Equal(reconciler.StateMinting, s.machine.View().State)

	_, err = s.machine.Submit(context.Background(), reconciler.OpMint)
	s.ErrorAs(err, new(*reconciler.ConcurrentOperationError))

	close(proceed)
	select {
	case err := <-done:
		s.True(ledger.IsTransport(err))
	case <-time.After(2 * time.Second):
		s.FailNow("write did not finish")
	}
	s.Equal(reconciler.StateNotMinted, s.machine.View().State)
}

func TestObserverSeesEveryChange(t *testing.T) {
	ctrl := gomock.NewController(t)
	owners := mocks.NewMockOwnership(ctrl)
	owners.EXPECT().AllTokens(gomock.Any()).Return(domain.NewTokenSet(), nil)

	var (
		mu   sync.Mutex
		seen []reconciler.DisplayState
	)
	m := reconciler.NewMachine(corgi, market, reconciler.Deps{Ownership: owners},
		reconciler.WithObserver(func(v reconciler.View) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, v.State)
		}))

	if err := m.Resync(context.Background(), aliceUp); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != reconciler.StateLoading || seen[1] != reconciler.StateNotMinted {
		t.Fatalf("unexpected transitions %v", seen)
	}
}
