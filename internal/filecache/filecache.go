// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package filecache implementa um cache de conteúdo de arquivos pequenos em
// memória, em ordem LRU, fronting o atendimento de arquivos estáticos —
// grounded em http/io_cache.{cc,h} do original: a mesma combinação de uma
// lista doblemente ligada (aqui container/list) em ordem de uso mais uma
// tabela de busca por caminho, um limite de entradas e um limite de tamanho
// por entrada, e a mesma política de invalidação por mtime/tamanho (uma
// entrada cujo mtime ou tamanho mudou desde a última vez é tratada como miss
// e recarregada, nunca servida stale).
package filecache

import (
	"container/list"
	"sync"
	"time"
)

// entry é o valor guardado em cada nó da lista LRU.
type entry struct {
	path  string
	mtime time.Time
	size  int64
	data  []byte
}

// Cache é um cache LRU de conteúdo de arquivo inteiro, seguro para uso
// concorrente. O valor zero não é utilizável; construa com New.
type Cache struct {
	mu sync.Mutex

	maxEntries   int
	maxEntrySize int64

	order *list.List
	index map[string]*list.Element
}

// New cria um Cache vazio. maxEntries <= 0 desativa o cache por completo
// (Get sempre erra miss, Put é um no-op) — o equivalente ao
// max_cache_entry_ == 0 do original, que usa o mesmo sentinela para "cache
// desligado". maxEntrySize é o tamanho máximo, em bytes, de um arquivo
// elegível para entrar no cache; arquivos maiores nunca são cacheados e
// devem continuar servidos via sendfile.
func New(maxEntries int, maxEntrySize int64) *Cache {
	return &Cache{
		maxEntries:   maxEntries,
		maxEntrySize: maxEntrySize,
		order:        list.New(),
		index:        make(map[string]*list.Element),
	}
}

// Enabled reporta se o cache está ativo (maxEntries > 0).
func (c *Cache) Enabled() bool { return c.maxEntries > 0 }

// Eligible reporta se um arquivo de tamanho size pode ser cacheado.
func (c *Cache) Eligible(size int64) bool {
	return c.Enabled() && size <= c.maxEntrySize
}

// Get busca path no cache. Um hit só é reportado quando mtime e size batem
// exatamente com a entrada guardada; do contrário (ou se path não está no
// cache) é tratado como miss e a entrada stale, se houver, é removida —
// espelhando IOCache::sync_cache, que descarta e recarrega em vez de servir
// conteúdo desatualizado. Um hit move a entrada para a frente da lista LRU.
func (c *Cache) Get(path string, mtime time.Time, size int64) ([]byte, bool) {
	if !c.Enabled() {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[path]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !e.mtime.Equal(mtime) || e.size != size {
		c.removeLocked(el)
		return nil, false
	}

	c.order.MoveToFront(el)
	return e.data, true
}

// Put insere ou substitui a entrada de path, descartando a entrada menos
// recentemente usada se o cache já estiver no limite de maxEntries. Um
// arquivo não elegível (data maior que maxEntrySize) é silenciosamente
// ignorado.
func (c *Cache) Put(path string, mtime time.Time, data []byte) {
	if !c.Eligible(int64(len(data))) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[path]; ok {
		c.removeLocked(el)
	}
	for c.order.Len() >= c.maxEntries {
		tail := c.order.Back()
		if tail == nil {
			break
		}
		c.removeLocked(tail)
	}

	e := &entry{path: path, mtime: mtime, size: int64(len(data)), data: data}
	el := c.order.PushFront(e)
	c.index[path] = el
}

// removeLocked desfaz a entrada de el de ambas as estruturas. O chamador
// deve deter c.mu.
func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.index, e.path)
	c.order.Remove(el)
}
