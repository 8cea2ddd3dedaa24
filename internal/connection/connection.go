// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package connection implementa a entidade central do pipeline: uma conexão
// aceita, seu buffer de entrada, seu stream de saída, e o protocolo de lock
// que ordena o acesso concorrente de múltiplos stage workers a ela.
package connection

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/stagedhttp/internal/buffer"
	"github.com/nishisan-dev/stagedhttp/internal/stream"
)

// ID identifica uma conexão de forma estável durante seu tempo de vida,
// independente de reuso futuro do descritor de arquivo pelo kernel.
type ID uint64

// PendingRequest é o tipo opaco guardado na fila FIFO de requisições
// parseadas de uma conexão. internal/http define o tipo concreto; esta
// interface evita um import cycle entre connection e http.
type PendingRequest interface{}

// Connection é o estado de uma conexão TCP aceita, da aceitação até o
// recycle. Possuída exclusivamente pela Pipeline; qualquer outra referência
// (scheduler, poller) é não proprietária.
type Connection struct {
	id   ID
	fd   int
	conn net.Conn
	peer net.Addr

	mu sync.Mutex

	Input  *buffer.Buffer
	Output *stream.OutputStream

	// lastActive e idleTimeout são lidos/escritos sob atomic: o idle scanner
	// do PollInStage os lê sem adquirir mu, então cada palavra deve ser
	// atômica individualmente (spec §4.7).
	lastActive  atomic.Int64 // unix seconds
	idleTimeout atomic.Int64 // seconds; 0 = sem timeout

	inactive         atomic.Bool
	closeAfterFinish atomic.Bool

	// ParserState e Pending pertencem exclusivamente ao ParserStage/HandlerStage,
	// mas vivem aqui porque persistem entre ticks do mesmo worker pool.
	ParserState interface{}
	Pending     []PendingRequest

	// PollerID é um identificador de Poller reservado para esta conexão;
	// nenhum código do repositório o atribui nem o lê.
	PollerID int

	// fdCloser fecha o descritor duplicado extraído via (*net.TCPConn).File
	// (o caminho de accept usa o dup para obter o fd cru registrado no
	// Poller, já que net.Conn não expõe seu fd diretamente). nil quando a
	// conexão foi criada sem um dup — ex.: nos testes que associam fd/conn
	// livremente.
	fdCloser io.Closer
}

// New cria uma Connection a partir de um socket já aceito.
func New(id ID, fd int, nc net.Conn) *Connection {
	c := &Connection{
		id:     id,
		fd:     fd,
		conn:   nc,
		peer:   nc.RemoteAddr(),
		Input:  buffer.New(),
		Output: stream.New(),
	}
	c.lastActive.Store(time.Now().Unix())
	return c
}

// ID retorna o identificador estável da conexão.
func (c *Connection) ID() ID { return c.id }

// Key implementa scheduler.Task: a chave de dedup é a identidade da conexão.
func (c *Connection) Key() uint64 { return uint64(c.id) }

// FD retorna o descritor de socket.
func (c *Connection) FD() int { return c.fd }

// NetConn expõe o net.Conn subjacente para operações que precisam dele
// (SetReadDeadline, etc.) sem violar o encapsulamento do fd cru.
func (c *Connection) NetConn() net.Conn { return c.conn }

// RemoteAddr retorna o endereço do peer capturado na aceitação.
func (c *Connection) RemoteAddr() net.Addr { return c.peer }

// TryLock tenta adquirir o mutex da conexão sem bloquear. Usado pelo
// QueueScheduler em modo não-suprimido para pular conexões contendidas.
func (c *Connection) TryLock() bool { return c.mu.TryLock() }

// Lock adquire o mutex bloqueando, usado quando posse incondicional é
// necessária (ex.: RecycleStage destruindo a conexão).
func (c *Connection) Lock() { c.mu.Lock() }

// Unlock libera o mutex. Deve ser chamado exatamente uma vez para cada
// Lock/TryLock bem-sucedido, exceto quando o stage retém o lock
// explicitamente (retorno negativo de process_task, §4.5).
func (c *Connection) Unlock() { c.mu.Unlock() }

// Touch atualiza o timestamp de última atividade para "agora".
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().Unix())
}

// LastActive retorna o timestamp unix da última atividade.
func (c *Connection) LastActive() int64 { return c.lastActive.Load() }

// SetIdleTimeout define o timeout de ociosidade em segundos; 0 desabilita.
func (c *Connection) SetIdleTimeout(seconds int64) { c.idleTimeout.Store(seconds) }

// IdleTimeout retorna o timeout de ociosidade configurado, em segundos.
func (c *Connection) IdleTimeout() int64 { return c.idleTimeout.Load() }

// IsIdleExpired reporta se a conexão excedeu seu timeout de ociosidade em
// relação a now (unix seconds). Timeout 0 nunca expira.
func (c *Connection) IsIdleExpired(now int64) bool {
	timeout := c.idleTimeout.Load()
	if timeout <= 0 {
		return false
	}
	return now-c.lastActive.Load() > timeout
}

// MarkInactive sinaliza que a conexão foi removida de todos os pollers e
// está a caminho do RecycleStage. Idempotente.
func (c *Connection) MarkInactive() { c.inactive.Store(true) }

// Inactive reporta se MarkInactive já foi chamado.
func (c *Connection) Inactive() bool { return c.inactive.Load() }

// SetCloseAfterFinish sinaliza que, após a resposta pendente terminar de
// drenar, a conexão deve ser fechada em vez de mantida viva para a próxima
// requisição (HTTP/1.1 "Connection: close" ou HTTP/1.0 sem keep-alive).
func (c *Connection) SetCloseAfterFinish() { c.closeAfterFinish.Store(true) }

// CloseAfterFinish reporta se SetCloseAfterFinish já foi chamado.
func (c *Connection) CloseAfterFinish() bool { return c.closeAfterFinish.Load() }

// Shutdown encerra ambas as direções do socket (SHUT_RDWR), usado por
// cleanup_connection antes de marcar a conexão inativa. O fd em si só é
// fechado pelo RecycleStage.
func (c *Connection) Shutdown() error {
	type shutdowner interface {
		CloseRead() error
		CloseWrite() error
	}
	if sc, ok := c.conn.(shutdowner); ok {
		_ = sc.CloseRead()
		return sc.CloseWrite()
	}
	return c.conn.Close()
}

// SetFDCloser associa o dup do fd cru (quando houver) a ser fechado junto
// com conn em CloseSocket. Chamado pelo accept loop logo após criar a
// Connection; é no-op deixar como nil quando fd e conn já compartilham o
// mesmo descritor.
func (c *Connection) SetFDCloser(closer io.Closer) { c.fdCloser = closer }

// CloseSocket fecha o fd definitivamente. Chamado exclusivamente por
// RecycleStage para garantir que o número de fd não seja reciclado pelo
// kernel enquanto outros stages ainda referenciam esta Connection.
func (c *Connection) CloseSocket() error {
	err := c.conn.Close()
	if c.fdCloser != nil {
		if ferr := c.fdCloser.Close(); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}
